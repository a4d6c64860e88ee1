package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	offline "github.com/SixteenAngels/real-estate-sub000"
	"github.com/spf13/cobra"
)

var (
	fetchMethod   string
	fetchData     string
	fetchHeaders  []string
	fetchCacheKey string
	fetchTTL      string
	fetchJSON     bool
)

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", "GET", "HTTP method")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "Request body")
	fetchCmd.Flags().StringArrayVarP(&fetchHeaders, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	fetchCmd.Flags().StringVar(&fetchCacheKey, "cache-key", "", "Cache a successful read under this key and fall back to it offline")
	fetchCmd.Flags().StringVar(&fetchTTL, "ttl", "", "Cache TTL (e.g. 10m); defaults to offline.cache_ttl")
	fetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "Output the result as JSON")
	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Perform a request with offline fallback",
	Long:  "Send a request through the offline layer. Reads can fall back to the cache; writes are queued when the network is unreachable.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		headers, err := parseHeaders(fetchHeaders)
		if err != nil {
			return err
		}
		ttl, err := parseDuration(fetchTTL)
		if err != nil {
			return fmt.Errorf("--ttl: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		req := &offline.Request{URL: args[0], Method: fetchMethod, Headers: headers}
		if fetchData != "" {
			req.Body = []byte(fetchData)
		}

		var opts []offline.FetchOption
		if fetchCacheKey != "" {
			opts = append(opts, offline.WithCacheKey(fetchCacheKey), offline.WithTTL(ttl))
		}

		res, err := a.d.SafeFetch(ctx, req, opts...)
		if fetchJSON {
			return printResultJSON(res)
		}
		if err != nil {
			return err
		}

		switch res.Outcome {
		case offline.OutcomeDelivered:
			fmt.Fprintf(os.Stderr, "%d (live)\n", res.Response.StatusCode)
		case offline.OutcomeCached:
			fmt.Fprintf(os.Stderr, "%d (cached %s ago)\n", res.Response.StatusCode, age(res.CachedAt))
		case offline.OutcomeQueued:
			fmt.Fprintf(os.Stderr, "queued as %s; it will be sent when the network is back\n", res.ActionID)
			return nil
		}
		fmt.Println(string(res.Response.Body))
		return nil
	},
}

// parseHeaders turns "Name: value" flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out, nil
}

func printResultJSON(res *offline.Result) error {
	out := map[string]any{"outcome": res.Outcome}
	if res.Response != nil {
		out["status"] = res.Response.StatusCode
		if json.Valid(res.Response.Body) {
			out["body"] = json.RawMessage(res.Response.Body)
		} else {
			out["body"] = string(res.Response.Body)
		}
	}
	if res.ActionID != "" {
		out["actionId"] = res.ActionID
	}
	if res.CachedAt != 0 {
		out["cachedAt"] = res.CachedAt
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
	if res.Err != nil {
		return res.Err
	}
	return nil
}
