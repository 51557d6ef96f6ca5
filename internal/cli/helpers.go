package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/larder"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// openLarder resolves the settings and opens the store they name. The
// caller must Close the result.
func openLarder(cmd *cobra.Command) (*larder.Larder, error) {
	s, err := resolveSettings()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), s.config.LogLevel)
	l, err := larder.Open(cmd.Context(), s.config, larder.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.config.Connection, err)
	}
	return l, nil
}

// predicateFlags are shared by the commands that filter records.
type predicateFlags struct {
	where string
	args  []string
}

func (p *predicateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.where, "where", "", "CEL filter over the record `e` and arguments `args`")
	cmd.Flags().StringArrayVar(&p.args, "arg", nil, "predicate argument as name=value (repeatable)")
}

func (p *predicateFlags) predicate() (types.Predicate, error) {
	kv := make([]any, 0, 2*len(p.args))
	for _, a := range p.args {
		name, value, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return types.Predicate{}, fmt.Errorf("%w: --arg %q is not name=value", errUsage, a)
		}
		kv = append(kv, name, parseValue(value))
	}
	return types.Where(p.where, kv...), nil
}

// parseValue types a command-line argument: integers, then floats, then
// booleans, otherwise the string itself.
func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidID, s)
	}
	return id, nil
}

// printValue writes v as indented JSON in JSON mode and as compact JSON
// otherwise.
func printValue(w io.Writer, v any) error {
	var (
		data []byte
		err  error
	)
	if flags.jsonMode {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printEntities writes one JSON line per entity, or a single JSON array in
// JSON mode.
func printEntities(w io.Writer, es []types.Entity) error {
	if flags.jsonMode {
		if es == nil {
			es = []types.Entity{}
		}
		return printValue(w, es)
	}
	for _, e := range es {
		if err := printValue(w, e); err != nil {
			return err
		}
	}
	return nil
}

// printScalar writes a named result as {"name": v} in JSON mode and as the
// bare value otherwise.
func printScalar(w io.Writer, name string, v any) error {
	if flags.jsonMode {
		return printValue(w, map[string]any{name: v})
	}
	_, err := fmt.Fprintln(w, v)
	return err
}
