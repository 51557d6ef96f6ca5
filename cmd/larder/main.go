// Command larder inspects and maintains larder entity stores.
package main

import "github.com/mesh-intelligence/larder/internal/cli"

func main() {
	cli.Execute()
}
