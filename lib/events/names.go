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

package events

// Event family names, matching §6's event surface literally.
const (
	SSHStatusChange      = "ssh:status-change"
	SSHError             = "ssh:error"
	SSHBanner            = "ssh:banner"
	SSHKBDIPrompt        = "ssh:kbdi-prompt"
	SSHAuthAttempt       = "ssh:auth"
	SSHReconnectWaiting  = "ssh:reconnect-waiting"
	SSHReconnectAttempt  = "ssh:reconnect-attempt"
	SSHReconnectSuccess  = "ssh:reconnect-success"
	SSHReconnectFailed   = "ssh:reconnect-failed"
	SSHReconnectExhaust  = "ssh:reconnect-exhausted"
	SSHReconnectPaused   = "ssh:reconnect-paused"
	SSHReconnectResumed  = "ssh:reconnect-resumed"
	HostKeyVerifyRequest = "hostkey:verify-request"
	TerminalData         = "terminal:data"
	TerminalExit         = "terminal:exit"
	SFTPTransferUpdate   = "sftp:transfer-update"
	SFTPTransferComplete = "sftp:transfer-complete"
	PortForwardStatus    = "portforward:status-change"
)
