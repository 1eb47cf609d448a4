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
	"context"
	"os"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/sftp"
)

// OpenSFTPArgs is the Args payload for sftp.open.
type OpenSFTPArgs struct {
	TransferConcurrency int
	BandwidthLimitKBps  int
}

// PathArgs is the Args payload for every sftp op that only needs a path:
// readdir, stat, mkdir, unlink, rmdir, realpath.
type PathArgs struct {
	Path      string
	Recursive bool
}

// RenameArgs is the Args payload for sftp.rename.
type RenameArgs struct {
	OldPath string
	NewPath string
}

// SymlinkArgs is the Args payload for sftp.symlink.
type SymlinkArgs struct {
	Target string
	Link   string
}

// ChmodArgs is the Args payload for sftp.chmod.
type ChmodArgs struct {
	Path      string
	Mode      os.FileMode
	Recursive bool
}

// ReadFileArgs is the Args payload for sftp.readFile.
type ReadFileArgs struct {
	Path string
}

// WriteFileArgs is the Args payload for sftp.writeFile.
type WriteFileArgs struct {
	Path string
	Data []byte
}

// TransferArgs is the Args payload for sftp.download and sftp.upload.
type TransferArgs struct {
	TransferID string
	Remote     string
	Local      string
	TotalBytes int64
}

// TransferIDArgs is the Args payload for every transfer-control op:
// transfer-pause, transfer-resume, transfer-cancel, transfer-retry.
type TransferIDArgs struct {
	TransferID string
}

func dispatchSFTPOp(ctx context.Context, sftpMgr *sftp.Manager, req Request) errs.Reply {
	switch req.Op {
	case "open":
		args, ok := req.Args.(OpenSFTPArgs)
		if !ok && req.Args != nil {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.open requires OpenSFTPArgs"))
		}
		if err := sftpMgr.Open(req.ConnectionID, args.TransferConcurrency, args.BandwidthLimitKBps); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "close":
		if err := sftpMgr.Close(req.ConnectionID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "readdir":
		args, ok := req.Args.(PathArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.readdir requires PathArgs"))
		}
		entries, err := sftpMgr.Readdir(req.ConnectionID, args.Path)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(entries)

	case "stat":
		args, ok := req.Args.(PathArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.stat requires PathArgs"))
		}
		info, err := sftpMgr.Stat(req.ConnectionID, args.Path)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(info)

	case "mkdir":
		args, ok := req.Args.(PathArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.mkdir requires PathArgs"))
		}
		if err := sftpMgr.Mkdir(req.ConnectionID, args.Path); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "unlink":
		args, ok := req.Args.(PathArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.unlink requires PathArgs"))
		}
		if err := sftpMgr.Unlink(req.ConnectionID, args.Path); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "rmdir":
		args, ok := req.Args.(PathArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.rmdir requires PathArgs"))
		}
		if err := sftpMgr.Rmdir(ctx, req.ConnectionID, args.Path, args.Recursive); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "realpath":
		args, ok := req.Args.(PathArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.realpath requires PathArgs"))
		}
		resolved, err := sftpMgr.Realpath(req.ConnectionID, args.Path)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(resolved)

	case "rename":
		args, ok := req.Args.(RenameArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.rename requires RenameArgs"))
		}
		if err := sftpMgr.Rename(req.ConnectionID, args.OldPath, args.NewPath); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "symlink":
		args, ok := req.Args.(SymlinkArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.symlink requires SymlinkArgs"))
		}
		if err := sftpMgr.Symlink(req.ConnectionID, args.Target, args.Link); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "chmod":
		args, ok := req.Args.(ChmodArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.chmod requires ChmodArgs"))
		}
		if err := sftpMgr.Chmod(ctx, req.ConnectionID, args.Path, args.Mode, args.Recursive); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "readFile":
		args, ok := req.Args.(ReadFileArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.readFile requires ReadFileArgs"))
		}
		data, err := sftpMgr.ReadFile(req.ConnectionID, args.Path)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(data)

	case "writeFile":
		args, ok := req.Args.(WriteFileArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.writeFile requires WriteFileArgs"))
		}
		if err := sftpMgr.WriteFile(req.ConnectionID, args.Path, args.Data); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "download":
		args, ok := req.Args.(TransferArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.download requires TransferArgs"))
		}
		if err := sftpMgr.Download(req.ConnectionID, args.TransferID, args.Remote, args.Local, args.TotalBytes); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "upload":
		args, ok := req.Args.(TransferArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.upload requires TransferArgs"))
		}
		if err := sftpMgr.Upload(req.ConnectionID, args.TransferID, args.Local, args.Remote, args.TotalBytes); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "transfer-pause":
		args, ok := req.Args.(TransferIDArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.transfer-pause requires TransferIDArgs"))
		}
		if err := sftpMgr.TransferPause(req.ConnectionID, args.TransferID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "transfer-resume":
		args, ok := req.Args.(TransferIDArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.transfer-resume requires TransferIDArgs"))
		}
		if err := sftpMgr.TransferResume(req.ConnectionID, args.TransferID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "transfer-cancel":
		args, ok := req.Args.(TransferIDArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.transfer-cancel requires TransferIDArgs"))
		}
		if err := sftpMgr.TransferCancel(req.ConnectionID, args.TransferID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "transfer-retry":
		args, ok := req.Args.(TransferIDArgs)
		if !ok {
			return errs.ReplyError(errs.New(errs.InvalidArgument, "sftp.transfer-retry requires TransferIDArgs"))
		}
		if err := sftpMgr.TransferRetry(req.ConnectionID, args.TransferID); err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(nil)

	case "transferList":
		items, err := sftpMgr.TransferList(req.ConnectionID)
		if err != nil {
			return errs.ReplyError(err)
		}
		return errs.ReplyOK(items)

	default:
		return errs.ReplyError(errs.New(errs.InvalidArgument, "unknown sftp op %q", req.Op))
	}
}
