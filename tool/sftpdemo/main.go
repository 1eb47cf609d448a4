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

// sftpdemo exercises the Connection Supervisor's SFTP Engine end to end:
// it connects, uploads a local file to the remote, then downloads it back
// to a second local path, rendering progress with
// github.com/schollz/progressbar/v3. It exists to give that dependency,
// and the transfer engine's event stream, a reachable call site, the way
// tool/tshd/main.go is the one place lib/teleterm.Start is actually
// invoked.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/schollz/progressbar/v3"

	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/hostkey"
	"github.com/shellway/supervisor/lib/logging"
	"github.com/shellway/supervisor/lib/reconnect"
	"github.com/shellway/supervisor/lib/sftp"
	"github.com/shellway/supervisor/lib/supervisor"
	"github.com/shellway/supervisor/lib/transport"
)

var (
	host       = flag.String("host", "localhost", "SSH host to connect to")
	port       = flag.Int("port", 22, "SSH port")
	user       = flag.String("user", "", "SSH username")
	localPath  = flag.String("local", "", "Local file to upload")
	remotePath = flag.String("remote", "", "Remote destination path for the upload")
	debug      = flag.Bool("debug", false, "Emit component logs to stderr instead of discarding them")
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
	if *user == "" || *localPath == "" || *remotePath == "" {
		return trace.BadParameter("-user, -local and -remote are required")
	}

	info, err := os.Stat(*localPath)
	if err != nil {
		return trace.Wrap(err)
	}

	svc, err := supervisor.New(supervisor.Config{Clock: clockwork.NewRealClock()})
	if err != nil {
		return trace.Wrap(err)
	}
	defer svc.Close()

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

	if err := svc.Connect(ctx, connectionID, transport.Config{
		Host:     *host,
		Port:     *port,
		Username: *user,
		Auth:     transport.AuthConfig{InitialMethod: "agent", Agent: true},
	}, reconnect.Config{}); err != nil {
		return trace.Wrap(err)
	}
	defer svc.Disconnect(connectionID)

	if err := svc.SFTP.Open(connectionID, 0, 0); err != nil {
		return trace.Wrap(err)
	}
	defer svc.SFTP.Close(connectionID)

	uploadID := uuid.NewString()
	if err := runTransfer(svc, connectionID, uploadID, info.Size(), func() error {
		return svc.SFTP.Upload(connectionID, uploadID, *localPath, *remotePath, info.Size())
	}); err != nil {
		return trace.Wrap(err)
	}

	downloadPath := *localPath + ".downloaded"
	downloadID := uuid.NewString()
	if err := runTransfer(svc, connectionID, downloadID, info.Size(), func() error {
		return svc.SFTP.Download(connectionID, downloadID, *remotePath, downloadPath, info.Size())
	}); err != nil {
		return trace.Wrap(err)
	}

	log.WithField("path", downloadPath).Info("round-trip transfer complete")
	return nil
}

// runTransfer starts a queued transfer and drives a progress bar off its
// sftp:transfer-update/sftp:transfer-complete events until it finishes.
func runTransfer(svc *supervisor.Service, connectionID, transferID string, total int64, start func() error) error {
	updateCh, unsub := svc.Bus.Subscribe(events.SFTPTransferUpdate, events.SFTPTransferComplete)
	defer unsub()

	bar := progressbar.DefaultBytes(total, transferID)
	done := make(chan error, 1)
	go func() {
		for evt := range updateCh {
			if evt.TransferID != transferID {
				continue
			}
			switch payload := evt.Payload.(type) {
			case sftp.TransferUpdate:
				bar.Set64(payload.TransferredBytes)
			case sftp.TransferComplete:
				bar.Finish()
				if payload.Status == sftp.TransferCompleted {
					done <- nil
				} else {
					done <- trace.Errorf("transfer %s ended with status %s: %s", transferID, payload.Status, payload.Error)
				}
				return
			}
		}
	}()

	if err := start(); err != nil {
		return trace.Wrap(err)
	}
	return <-done
}
