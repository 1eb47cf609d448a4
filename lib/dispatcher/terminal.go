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
	"github.com/shellway/supervisor/lib/shell"
)

// OpenShellArgs is the Args payload for terminal.open.
type OpenShellArgs struct {
	Request shell.OpenRequest
}

// WriteArgs is the Args payload for terminal.write.
type WriteArgs struct {
	ShellID string
	Data    []byte
}

// ResizeArgs is the Args payload for terminal.resize.
type ResizeArgs struct {
	ShellID string
	Cols    int
	Rows    int
}

// CloseShellArgs is the Args payload for terminal.close.
type CloseShellArgs struct {
	ShellID string
}

func dispatchTerminalOp(shells *shell.Manager, req Request) errs.Reply {
	switch req.Op {
	case "open":
		args, ok := req.Args.(OpenShellArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "terminal.open requires OpenShellArgs"))
		}
		if err := shells.Open(args.Request); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "write":
		args, ok := req.Args.(WriteArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "terminal.write requires WriteArgs"))
		}
		if err := shells.Write(args.ShellID, args.Data); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "resize":
		args, ok := req.Args.(ResizeArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "terminal.resize requires ResizeArgs"))
		}
		if err := shells.Resize(args.ShellID, args.Cols, args.Rows); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "close":
		args, ok := req.Args.(CloseShellArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "terminal.close requires CloseShellArgs"))
		}
		if err := shells.Close(args.ShellID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown terminal op %q", req.Op))
	}
}
