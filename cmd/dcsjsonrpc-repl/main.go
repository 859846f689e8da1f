// Command dcsjsonrpc-repl reads Lua snippets from stdin, executes each one on
// the host and prints the result.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rkusa/dcs-jsonrpc/client"
	"github.com/rkusa/dcs-jsonrpc/config"
	"github.com/rkusa/dcs-jsonrpc/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "server address, overrides the config file")
	events := flag.Bool("events", false, "print every broadcast event")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
	}
	if *addr != "" {
		cfg.Client.Address = *addr
	}
	logger := cfg.Logging.Logger(os.Stderr)

	opts := append(client.OptionsFromConfig(cfg.Client), client.WithLogger(logger))
	c, err := client.Dial(context.Background(), cfg.Client.Address, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not connect")
	}
	defer c.Close()

	if *events {
		sub, err := c.Subscribe("")
		if err != nil {
			logger.Fatal().Err(err).Msg("Could not subscribe")
		}
		go func() {
			for ev := range sub.Events() {
				fmt.Printf("~ %s %s\n", ev.Topic, ev.Params)
			}
		}()
	}

	if err := repl(c, bufio.NewScanner(os.Stdin)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func repl(c *client.Client, sc *bufio.Scanner) error {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var result json.RawMessage
		err := c.Request("execute", map[string]string{"lua": line}, &result)
		var rpcErr *protocol.Error
		switch {
		case errors.As(err, &rpcErr):
			fmt.Fprintln(os.Stderr, rpcErr.Message)
			continue
		case err != nil:
			return err
		}
		fmt.Println("=", format(result))
	}
	return sc.Err()
}

// format prints strings raw and everything else as indented JSON.
func format(result json.RawMessage) string {
	var s string
	if bytes.HasPrefix(result, []byte(`"`)) && json.Unmarshal(result, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		return string(result)
	}
	return buf.String()
}
