/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// sshdemo exercises the Connection Supervisor's Transport Manager and
// Shell Multiplexer end to end, without any presentation layer: it
// connects, opens one Shell against the remote's default shell, and
// splices the local terminal (put in raw mode via golang.org/x/term) to
// it until the shell exits. It exists to give creack/pty and x/term a
// reachable call site, the way tool/tshd/main.go is the one place
// lib/teleterm.Start is actually invoked.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/hostkey"
	"github.com/shellway/supervisor/lib/logging"
	"github.com/shellway/supervisor/lib/reconnect"
	"github.com/shellway/supervisor/lib/shell"
	"github.com/shellway/supervisor/lib/supervisor"
	"github.com/shellway/supervisor/lib/transport"
)

var (
	host     = flag.String("host", "localhost", "SSH host to connect to")
	port     = flag.Int("port", 22, "SSH port")
	user     = flag.String("user", "", "SSH username")
	password = flag.Bool("password", false, "Prompt for a password instead of using an agent")
	debug    = flag.Bool("debug", false, "Emit component logs to stderr instead of discarding them")
)

func main() {
	flag.Parse()
	level := log.InfoLevel
	if *debug {
		level = log.DebugLevel
	}
	logging.Init(logging.ForCLI, level)

	if err := run(); err != nil {
		log.Fatal(trace.Wrap(err))
	}
}

func run() error {
	if *user == "" {
		return trace.BadParameter("-user is required")
	}

	auth := transport.AuthConfig{InitialMethod: "agent", Agent: true}
	if *password {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return trace.Wrap(err)
		}
		auth = transport.AuthConfig{InitialMethod: "password", Password: string(pw)}
	}

	svc, err := supervisor.New(supervisor.Config{Clock: clockwork.NewRealClock()})
	if err != nil {
		return trace.Wrap(err)
	}
	defer svc.Close()

	// trust-save every unseen host key so the demo never blocks on a
	// presentation layer that does not exist here.
	reqCh, unsub := svc.Bus.Subscribe(events.HostKeyVerifyRequest)
	defer unsub()
	go func() {
		for evt := range reqCh {
			_ = svc.Transports.RespondHostKey(evt.ConnectionID, hostkey.ActionTrustSave)
		}
	}()

	connectionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cols, rows := 80, 24
	if rws, cls, err := pty.Getsize(os.Stdin); err == nil {
		cols, rows = cls, rws
	}

	cfg := transport.Config{
		Host:     *host,
		Port:     *port,
		Username: *user,
		Auth:     auth,
	}
	if err := svc.Connect(ctx, connectionID, cfg, reconnect.Config{}); err != nil {
		return trace.Wrap(err)
	}
	defer svc.Disconnect(connectionID)

	shellID := uuid.NewString()
	dataCh, unsubData := svc.Bus.Subscribe(events.TerminalData, events.TerminalExit)
	defer unsubData()

	if err := svc.Shells.Open(shell.OpenRequest{
		ConnectionID: connectionID,
		ShellID:      shellID,
		Cols:         cols,
		Rows:         rows,
	}); err != nil {
		return trace.Wrap(err)
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err == nil {
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	exitCh := make(chan int, 1)
	go func() {
		for evt := range dataCh {
			switch payload := evt.Payload.(type) {
			case shell.TerminalData:
				os.Stdout.Write(payload.Data)
			case shell.TerminalExit:
				exitCh <- payload.ExitCode
				return
			}
		}
	}()

	go pumpStdin(svc, shellID)

	select {
	case code := <-exitCh:
		log.WithField("exitCode", code).Info("shell exited")
	case <-sigCh:
	}

	return svc.Shells.Close(shellID)
}

func pumpStdin(svc *supervisor.Service, shellID string) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := svc.Shells.Write(shellID, append([]byte(nil), buf[:n]...)); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
