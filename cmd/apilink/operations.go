package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/apilink/internal/apiclient"
)

// paramFlags are the per-call options shared by operation commands.
type paramFlags struct {
	search  []string
	path    []string
	headers []string
	scope   string
	noCache bool
}

func (p *paramFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVarP(&p.search, "search", "s", nil, "query string parameter as key=value, repeatable")
	f.StringArrayVarP(&p.path, "path", "p", nil, "path template value as key=value, repeatable")
	f.StringArrayVarP(&p.headers, "header", "H", nil, "request header as key=value, repeatable")
	f.StringVar(&p.scope, "scope", "", "value for {scope} in path templates")
	f.BoolVar(&p.noCache, "no-cache", false, "bypass cached metadata and ask servers for a fresh response")
}

// params converts the flags into call parameters.
func (p *paramFlags) params() (*apiclient.Params, error) {
	params := &apiclient.Params{Scope: p.scope}
	if p.noCache {
		params.Cache = apiclient.Bool(false)
	}

	if len(p.search) > 0 {
		params.Search = url.Values{}
		for _, kv := range p.search {
			k, v, err := splitPair("search", kv)
			if err != nil {
				return nil, err
			}
			params.Search.Add(k, v)
		}
	}

	var err error
	if params.Path, err = pairs("path", p.path); err != nil {
		return nil, err
	}
	if params.Headers, err = pairs("header", p.headers); err != nil {
		return nil, err
	}
	return params, nil
}

func splitPair(flag, kv string) (string, string, error) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("--%s %q: expected key=value", flag, kv)
	}
	return k, v, nil
}

func pairs(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, kv := range values {
		k, v, err := splitPair(flag, kv)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// readPayload decodes --data. "@file" reads a file and "@-" reads stdin.
// An empty value means no payload.
func readPayload(data string, stdin io.Reader) (any, error) {
	if data == "" {
		return nil, nil
	}

	raw := []byte(data)
	if name, ok := strings.CutPrefix(data, "@"); ok {
		var err error
		if name == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return payload, nil
}

// callFunc runs one manager operation.
type callFunc func(ctx context.Context, m *apiclient.Manager, args []string, payload any, params *apiclient.Params) (*apiclient.Response, error)

// operationCmd builds a command that runs call and prints the response
// envelope. withData adds --data.
func operationCmd(a *app, cmd *cobra.Command, withData bool, call callFunc) *cobra.Command {
	var (
		pf   paramFlags
		data string
	)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		params, err := pf.params()
		if err != nil {
			return err
		}
		payload, err := readPayload(data, cmd.InOrStdin())
		if err != nil {
			return err
		}
		m, err := a.loadManager(cmd.Context())
		if err != nil {
			return err
		}

		resp, err := call(cmd.Context(), m, args, payload, params)
		if err != nil {
			return err
		}
		return a.printJSON(resp)
	}

	pf.bind(cmd)
	if withData {
		cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload, or @file to read it from a file (@- for stdin)")
	}
	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	return operationCmd(a, &cobra.Command{
		Use:   "query NAME",
		Short: "Run a query",
		Long:  "Run a query. NAME is \"operation\" or \"collection:operation\".",
		Args:  cobra.ExactArgs(1),
	}, false, func(ctx context.Context, m *apiclient.Manager, args []string, _ any, params *apiclient.Params) (*apiclient.Response, error) {
		return m.Query(ctx, args[0], params)
	})
}

func newItemCmd(a *app) *cobra.Command {
	return operationCmd(a, &cobra.Command{
		Use:   "item NAME ID",
		Short: "Fetch one item of a query",
		Args:  cobra.ExactArgs(2),
	}, false, func(ctx context.Context, m *apiclient.Manager, args []string, _ any, params *apiclient.Params) (*apiclient.Response, error) {
		return m.QueryItem(ctx, args[0], args[1], params)
	})
}

func newMetaCmd(a *app) *cobra.Command {
	return operationCmd(a, &cobra.Command{
		Use:   "meta NAME",
		Short: "Fetch the metadata of a query",
		Args:  cobra.ExactArgs(1),
	}, false, func(ctx context.Context, m *apiclient.Manager, args []string, _ any, params *apiclient.Params) (*apiclient.Response, error) {
		return m.QueryMeta(ctx, args[0], params)
	})
}

func newSendCmd(a *app) *cobra.Command {
	return operationCmd(a, &cobra.Command{
		Use:   "send NAME",
		Short: "Send a command",
		Args:  cobra.ExactArgs(1),
	}, true, func(ctx context.Context, m *apiclient.Manager, args []string, payload any, params *apiclient.Params) (*apiclient.Response, error) {
		return m.Send(ctx, args[0], payload, params)
	})
}

func newRequestCmd(a *app) *cobra.Command {
	return operationCmd(a, &cobra.Command{
		Use:   "request NAME",
		Short: "Run a free-form request",
		Args:  cobra.ExactArgs(1),
	}, true, func(ctx context.Context, m *apiclient.Manager, args []string, payload any, params *apiclient.Params) (*apiclient.Response, error) {
		return m.Request(ctx, args[0], payload, params)
	})
}

// collectionSummary describes one registered collection.
type collectionSummary struct {
	Name       string              `json:"name"`
	BaseURL    string              `json:"baseUrl"`
	Operations map[string][]string `json:"operations"`
}

func newOperationsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List the loaded collections and their operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.loadManager(cmd.Context())
			if err != nil {
				return err
			}

			var out []collectionSummary
			for _, name := range m.Collections() {
				c, err := m.Collection(name)
				if err != nil {
					return err
				}
				out = append(out, collectionSummary{
					Name:       c.Name(),
					BaseURL:    c.BaseURL(),
					Operations: c.Operations(),
				})
			}
			return a.printJSON(out)
		},
	}
}
