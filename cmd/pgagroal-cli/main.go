// Command pgagroal-cli is a thin client for the control plane (spec
// §4.7/§6 "CLI surface"): it connects to the Unix-domain socket, sends
// one length-prefixed JSON command, prints the response, and exits 0 on
// success or 1 on failure.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/fatih/color"

	"github.com/dbbouncer/pgagroal/internal/controlplane"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pgagroal-cli [-s socket-dir] <verb> [args...]

verbs:
  status
  details
  flush <idle|graceful|all> [database]
  enabledb <database>
  disabledb <database>
  switch <server>
  conf reload
  conf get <key>
  conf set <key> <value>
  shutdown <immediate|graceful>
  ping`)
}

func main() {
	args := os.Args[1:]
	socketDir := "/tmp"
	if len(args) >= 2 && args[0] == "-s" {
		socketDir = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cmd, err := buildCommand(args)
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}

	resp, err := send(socketDir, cmd)
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}

	if resp.Status != "ok" {
		color.Red("error [%s]: %s", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	color.Green("ok")
	if resp.Result != nil {
		body, _ := json.MarshalIndent(resp.Result, "", "  ")
		fmt.Println(string(body))
	}
}

func buildCommand(args []string) (controlplane.Command, error) {
	verb := args[0]
	rest := args[1:]

	switch verb {
	case "ping", "status", "details":
		return controlplane.Command{Verb: verb}, nil
	case "flush":
		if len(rest) == 0 {
			return controlplane.Command{}, fmt.Errorf("flush requires a mode (idle|graceful|all)")
		}
		cmd := controlplane.Command{Verb: "flush", Mode: rest[0]}
		if len(rest) > 1 {
			cmd.Database = rest[1]
		}
		return cmd, nil
	case "enabledb", "disabledb":
		if len(rest) != 1 {
			return controlplane.Command{}, fmt.Errorf("%s requires a database name", verb)
		}
		return controlplane.Command{Verb: verb, Database: rest[0]}, nil
	case "switch":
		if len(rest) != 1 {
			return controlplane.Command{}, fmt.Errorf("switch requires a server name")
		}
		return controlplane.Command{Verb: "switch", Server: rest[0]}, nil
	case "conf":
		if len(rest) == 0 {
			return controlplane.Command{}, fmt.Errorf("conf requires reload|get|set")
		}
		cmd := controlplane.Command{Verb: "conf", Mode: rest[0]}
		if len(rest) > 1 {
			cmd.Key = rest[1]
		}
		if len(rest) > 2 {
			cmd.Value = rest[2]
		}
		return cmd, nil
	case "shutdown":
		if len(rest) != 1 {
			return controlplane.Command{}, fmt.Errorf("shutdown requires immediate|graceful")
		}
		return controlplane.Command{Verb: "shutdown", Mode: rest[0]}, nil
	default:
		return controlplane.Command{}, fmt.Errorf("unknown verb %q", verb)
	}
}

func send(socketDir string, cmd controlplane.Command) (controlplane.Response, error) {
	conn, err := net.Dial("unix", controlplane.SocketPath(socketDir))
	if err != nil {
		return controlplane.Response{}, fmt.Errorf("connecting to control plane: %w", err)
	}
	defer conn.Close()

	if err := controlplane.WriteCommand(conn, cmd); err != nil {
		return controlplane.Response{}, fmt.Errorf("sending command: %w", err)
	}
	return controlplane.ReadResponse(conn)
}
