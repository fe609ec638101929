package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	gateway "github.com/kacy/approov-gateway"
)

func newRequestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request [flags] URL",
		Short: "Perform a single attested request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRequest(cmd, args[0])
		},
	}

	cmd.Flags().StringP("method", "X", "GET", "HTTP method")
	cmd.Flags().StringArrayP("header", "H", nil, "Request header 'Name: value' (can be repeated)")
	cmd.Flags().StringP("data", "d", "", "Request body")
	cmd.Flags().Bool("allow-large-response", false, "Lift the response size limit")
	cmd.Flags().BoolP("include", "i", false, "Print response status and headers")
	return cmd
}

func (a *app) runRequest(cmd *cobra.Command, url string) error {
	method, _ := cmd.Flags().GetString("method")
	rawHeaders, _ := cmd.Flags().GetStringArray("header")
	data, _ := cmd.Flags().GetString("data")
	allowLarge, _ := cmd.Flags().GetBool("allow-large-response")
	include, _ := cmd.Flags().GetBool("include")

	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return err
	}

	svc, cleanup, err := a.newService(cmd.Context(), nil, false)
	if err != nil {
		return err
	}
	defer cleanup()

	req := &gateway.Request{
		URL:                url,
		Method:             method,
		Headers:            headers,
		Timeout:            a.timeout(),
		AllowLargeResponse: allowLarge,
	}
	if data != "" {
		req.Body = data
	}

	resp, err := svc.PerformRequest(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if include {
		fmt.Fprintf(out, "%d\n", resp.StatusCode)
		for k, v := range resp.Headers {
			fmt.Fprintf(out, "%s: %s\n", k, v)
		}
		fmt.Fprintln(out)
	}
	out.Write(resp.Body)
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return nil
}

// parseHeaders parses curl-style "Name: value" headers. Repeated names are
// joined with a space.
func parseHeaders(raw []string) (gateway.Headers, error) {
	headers := gateway.Headers{}
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		headers.Add(name, strings.TrimSpace(value))
	}
	return headers, nil
}

