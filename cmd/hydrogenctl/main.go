// Command hydrogenctl is a minimal CLI client for Hydrogen: it dials a
// server's TCP transport, sends a single COMMAND, prints the correlated
// response, and exits. Grounded on cmd/gateway/main.go's flag-driven
// bootstrap, generalized from "start a long-running gateway" to "perform
// one client operation and exit."
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"hydrogen/internal/client"
	"hydrogen/internal/message"
	"hydrogen/internal/transport/tcp"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:7420", "Server TCP address")
		deviceID  = flag.String("device", "", "Target device ID")
		command   = flag.String("command", "", "Command name to send")
		paramsRaw = flag.String("params", "{}", "JSON-encoded command parameters")
		timeout   = flag.Duration("timeout", 10*time.Second, "Time to wait for a correlated response")
	)
	flag.Parse()

	if *command == "" {
		fmt.Fprintln(os.Stderr, "hydrogenctl: -command is required")
		os.Exit(2)
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(*paramsRaw), &params); err != nil {
		fmt.Fprintf(os.Stderr, "hydrogenctl: invalid -params JSON: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	conn, err := tcp.Dial(ctx, tcp.DefaultConfig(*addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "hydrogenctl: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Disconnect()

	plane := client.New(conn, client.ReconnectConfig{Enabled: false})

	msg := &message.Message{
		MessageID:   fmt.Sprintf("hydrogenctl-%d", time.Now().UnixNano()),
		DeviceID:    *deviceID,
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     *command,
		Parameters:  params,
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), *timeout)
	defer sendCancel()

	resp, err := plane.Send(sendCtx, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hydrogenctl: send failed: %v\n", err)
		os.Exit(1)
	}

	out, err := message.Serialize(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hydrogenctl: encode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
