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

package dispatcher

import (
	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/portforward"
	"github.com/shellway/supervisor/lib/sqltunnel"
)

// AddForwardArgs is the Args payload for portforward.add. Kind selects
// which of StartLocal/StartRemote/StartDynamic is called; the address
// fields unused by that Kind are ignored.
type AddForwardArgs struct {
	Kind       portforward.Kind
	RuleID     string
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int
	DestAddr   string
	DestPort   int
}

// RuleIDArgs is the Args payload for portforward.remove.
type RuleIDArgs struct {
	RuleID string
}

func dispatchPortForwardOp(forwards *portforward.Manager, req Request) errs.Reply {
	switch req.Op {
	case "add":
		args, ok := req.Args.(AddForwardArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "portforward.add requires AddForwardArgs"))
		}
		var err error
		switch args.Kind {
		case portforward.KindLocal:
			err = forwards.StartLocal(req.ConnectionID, args.RuleID, args.LocalAddr, args.LocalPort, args.DestAddr, args.DestPort)
		case portforward.KindRemote:
			err = forwards.StartRemote(req.ConnectionID, args.RuleID, args.RemoteAddr, args.RemotePort, args.DestAddr, args.DestPort)
		case portforward.KindDynamic:
			err = forwards.StartDynamic(req.ConnectionID, args.RuleID, args.LocalAddr, args.LocalPort)
		default:
			return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown port-forward rule kind %q", args.Kind))
		}
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "remove":
		args, ok := req.Args.(RuleIDArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "portforward.remove requires RuleIDArgs"))
		}
		if err := forwards.Stop(args.RuleID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "list":
		return errs.ReplyOK(forwards.List())

	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown portforward op %q", req.Op))
	}
}

// OpenTunnelArgs is the Args payload for sql.open.
type OpenTunnelArgs struct {
	TunnelID string
	DestAddr string
	DestPort int
}

// TunnelIDArgs is the Args payload for sql.close.
type TunnelIDArgs struct {
	TunnelID string
}

func dispatchSQLOp(sqlMgr *sqltunnel.Manager, req Request) errs.Reply {
	switch req.Op {
	case "open":
		args, ok := req.Args.(OpenTunnelArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sql.open requires OpenTunnelArgs"))
		}
		tunnel, err := sqlMgr.Open(req.ConnectionID, args.TunnelID, args.DestAddr, args.DestPort)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(tunnel)

	case "close":
		args, ok := req.Args.(TunnelIDArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sql.close requires TunnelIDArgs"))
		}
		if err := sqlMgr.Close(args.TunnelID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown sql op %q", req.Op))
	}
}
