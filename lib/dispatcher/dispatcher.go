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

// Package dispatcher implements the Dispatcher (§4.7): a single tagged
// request variant routed by a central function, replacing the nested
// closure-backed namespaces the teacher's gRPC-generated
// lib/teleterm/apiserver/handler package exposes (§9 Design Notes). Every
// operation family the core actually owns — ssh, terminal, sftp,
// portforward, hostkey, sql, health — is handled here; window, session,
// theme, settings, dialogs, log, clientkey and snippets are presentation-
// owned families that never reach the core (§1) and exist in this package
// only as named constants so the full namespace from §4.7 is accounted for.
package dispatcher

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/hostkey"
	"github.com/shellway/supervisor/lib/reconnect"
	"github.com/shellway/supervisor/lib/supervisor"
	"github.com/shellway/supervisor/lib/transport"
)

// Family names the Dispatcher's inbound request channels are keyed by
// (§4.7). Only the Core families have a registered handler in Dispatch;
// the rest are presentation-owned (§1) and always reply not-found.
const (
	FamilySSH         = "ssh"
	FamilyTerminal    = "terminal"
	FamilySFTP        = "sftp"
	FamilyPortForward = "portforward"
	FamilyHostKey     = "hostkey"
	FamilySQL         = "sql"
	FamilyHealth      = "health"
	FamilyMonitor     = "monitor"

	FamilyWindow    = "window"
	FamilySession   = "session"
	FamilyTheme     = "theme"
	FamilySettings  = "settings"
	FamilyDialogs   = "dialogs"
	FamilyLog       = "log"
	FamilyClientKey = "clientkey"
	FamilySnippets  = "snippets"
)

// Request is the Dispatcher's tagged request variant (§9 Design Notes):
// Family and Op select the operation, ConnectionID addresses the target
// Transport (when applicable), and Args carries the operation-specific
// payload as one of the typed *Args structs below. Dispatch is the single
// central function every request travels through; the Reply it returns is
// the request's reply slot made synchronous.
type Request struct {
	Family       string
	Op           string
	ConnectionID string
	Args         any
}

// Dispatcher routes validated Requests to the Supervisor's components.
type Dispatcher struct {
	svc *supervisor.Service
	log *log.Entry
}

// New creates a Dispatcher over an already-wired Supervisor Service.
func New(svc *supervisor.Service) *Dispatcher {
	return &Dispatcher{svc: svc, log: log.WithField("component", "dispatcher")}
}

// Dispatch is the Dispatcher's single central routing function (§9 Design
// Notes). It never panics on a malformed Request: a wrong Args type or
// unknown Family/Op always yields an invalid-argument Reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) errs.Reply {
	switch req.Family {
	case FamilySSH:
		return d.dispatchSSH(ctx, req)
	case FamilyTerminal:
		return d.dispatchTerminal(req)
	case FamilySFTP:
		return d.dispatchSFTP(ctx, req)
	case FamilyPortForward:
		return d.dispatchPortForward(req)
	case FamilyHostKey:
		return d.dispatchHostKey(req)
	case FamilySQL:
		return d.dispatchSQL(req)
	case FamilyHealth:
		return d.dispatchHealth(req)
	case FamilyMonitor:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "monitor family is observed over its websocket endpoint, not dispatched"))
	case FamilyWindow, FamilySession, FamilyTheme, FamilySettings, FamilyDialogs, FamilyLog, FamilyClientKey, FamilySnippets:
		return errs.ReplyError(errs.New(errs.NotFound, "%s is a presentation-owned family with no core handler", req.Family))
	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown request family %q", req.Family))
	}
}

func requireConnectionID(req Request) error {
	if req.ConnectionID == "" {
		return errs.New(errs.InvalidArgument, "%s.%s requires a connectionId", req.Family, req.Op)
	}
	return nil
}

// ConnectArgs is the Args payload for ssh.connect.
type ConnectArgs struct {
	Config          transport.Config
	ReconnectConfig reconnect.Config
}

// KBDIResponseArgs is the Args payload for ssh.kbdi-response.
type KBDIResponseArgs struct {
	Responses []string
}

// HostKeyResponseArgs is the Args payload for hostkey.verify-response.
type HostKeyResponseArgs struct {
	Action hostkey.Action
}

func (d *Dispatcher) dispatchSSH(ctx context.Context, req Request) errs.Reply {
	switch req.Op {
	case "connect":
		args, ok := req.Args.(ConnectArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "ssh.connect requires ConnectArgs"))
		}
		if err := requireConnectionID(req); err != nil {
			return errs.ReplyError(err)
		}
		if err := d.svc.Connect(ctx, req.ConnectionID, args.Config, args.ReconnectConfig); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "disconnect":
		if err := requireConnectionID(req); err != nil {
			return errs.ReplyError(err)
		}
		if err := d.svc.Disconnect(req.ConnectionID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "disconnectAll":
		d.svc.DisconnectAll()
		return errs.ReplyOK(nil)

	case "isConnected":
		if err := requireConnectionID(req); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(d.svc.Transports.IsConnected(req.ConnectionID))

	case "getHealth":
		if err := requireConnectionID(req); err != nil {
			return errs.ReplyError(err)
		}
		health, err := d.svc.Transports.GetHealth(req.ConnectionID)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(health)

	case "kbdi-response":
		args, ok := req.Args.(KBDIResponseArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "ssh.kbdi-response requires KBDIResponseArgs"))
		}
		if err := d.svc.Transports.RespondKBDI(req.ConnectionID, args.Responses); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "reconnect-retryNow":
		if err := d.svc.Reconnect.RetryNow(req.ConnectionID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "reconnect-pause":
		if err := d.svc.Reconnect.Pause(req.ConnectionID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "reconnect-resume":
		if err := d.svc.Reconnect.Resume(req.ConnectionID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "reconnect-cancel":
		if err := d.svc.Reconnect.Cancel(req.ConnectionID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "reconnect-status":
		state, err := d.svc.Reconnect.Snapshot(req.ConnectionID)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(state)

	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown ssh op %q", req.Op))
	}
}

func (d *Dispatcher) dispatchHostKey(req Request) errs.Reply {
	switch req.Op {
	case "verify-response":
		args, ok := req.Args.(HostKeyResponseArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "hostkey.verify-response requires HostKeyResponseArgs"))
		}
		if err := d.svc.Transports.RespondHostKey(req.ConnectionID, args.Action); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)
	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown hostkey op %q", req.Op))
	}
}

func (d *Dispatcher) dispatchHealth(req Request) errs.Reply {
	switch req.Op {
	case "getHealth":
		health, err := d.svc.Transports.GetHealth(req.ConnectionID)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(health)
	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown health op %q", req.Op))
	}
}

func (d *Dispatcher) dispatchSFTP(ctx context.Context, req Request) errs.Reply {
	return dispatchSFTPOp(ctx, d.svc.SFTP, req)
}

func (d *Dispatcher) dispatchPortForward(req Request) errs.Reply {
	return dispatchPortForwardOp(d.svc.Forwards, req)
}

func (d *Dispatcher) dispatchSQL(req Request) errs.Reply {
	return dispatchSQLOp(d.svc.SQL, req)
}

func (d *Dispatcher) dispatchTerminal(req Request) errs.Reply {
	return dispatchTerminalOp(d.svc.Shells, req)
}
