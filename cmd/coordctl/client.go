package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// client calls one coordination service and prints its JSON reply.
type client struct {
	service string
	baseURL string
	caller  *remote.Caller
	out     io.Writer
}

func newClient(cmd *cobra.Command, service, urlKey string) *client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return &client{
		service: service,
		baseURL: viper.GetString(urlKey),
		caller:  remote.NewCaller(nil, remote.DefaultConfig(), logger),
		out:     cmd.OutOrStdout(),
	}
}

func (c *client) get(cmd *cobra.Command, path string, query url.Values) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.call(cmd, http.MethodGet, path)
}

func (c *client) post(cmd *cobra.Command, path string) error {
	return c.call(cmd, http.MethodPost, path)
}

func (c *client) call(cmd *cobra.Command, method, path string) error {
	if c.baseURL == "" {
		return fmt.Errorf("no URL configured for %s", c.service)
	}
	resp, err := c.caller.Do(cmd.Context(), remote.Request{
		Service:  c.service,
		BaseURL:  c.baseURL,
		Endpoint: remote.Endpoint{Method: method, Path: path},
	})
	if err != nil {
		return describe(err)
	}
	return c.print(resp.Body)
}

func (c *client) print(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = fmt.Fprintln(c.out, strings.TrimSpace(string(body)))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(c.out)
	return err
}

// describe surfaces the {"error": ...} message of a rejected call.
func describe(err error) error {
	var rejected *apperr.RejectedError
	if !errors.As(err, &rejected) {
		return err
	}
	var reply struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(rejected.Body), &reply) == nil && reply.Error != "" {
		return fmt.Errorf("%s (HTTP %d): %s", rejected.Service, rejected.StatusCode, reply.Error)
	}
	return err
}

func idPath(prefix, id string, suffix ...string) string {
	parts := append([]string{prefix, url.PathEscape(id)}, suffix...)
	return strings.Join(parts, "/")
}
