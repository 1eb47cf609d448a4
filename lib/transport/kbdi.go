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

package transport

import (
	"context"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
)

// KBDIPrompt is the payload of an ssh:kbdi-prompt event (§4.1a, §6).
type KBDIPrompt struct {
	Name        string       `json:"name"`
	Instruction string       `json:"instruction"`
	Prompts     []KBDIQuery  `json:"prompts"`
}

// KBDIQuery is one keyboard-interactive question.
type KBDIQuery struct {
	Text string `json:"prompt"`
	Echo bool   `json:"echo"`
}

// kbdiSlots holds the per-connection keyboard-interactive response slots.
// The supervisor accepts at most one outstanding KBDI round per
// connection; a second prompt supersedes the first (§4.1a).
type kbdiSlots struct {
	mu    sync.Mutex
	slots map[string]chan []string
}

func newKBDISlots() *kbdiSlots {
	return &kbdiSlots{slots: make(map[string]chan []string)}
}

func (k *kbdiSlots) open(connectionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.slots[connectionID] = make(chan []string, 1)
}

func (k *kbdiSlots) close(connectionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.slots, connectionID)
}

// Respond delivers the presentation's answers for connectionID's
// outstanding KBDI round, superseding any round not yet consumed.
func (k *kbdiSlots) Respond(connectionID string, answers []string) error {
	k.mu.Lock()
	slot, ok := k.slots[connectionID]
	k.mu.Unlock()
	if !ok {
		return errs.New(errs.InvalidArgument, "no outstanding keyboard-interactive round for %s", connectionID)
	}

	for {
		select {
		case slot <- answers:
			return nil
		default:
			select {
			case <-slot:
			default:
			}
		}
	}
}

// challenge builds the ssh.KeyboardInteractiveChallenge that publishes an
// ssh:kbdi-prompt event and blocks on the connection's response slot.
func (m *Manager) challenge(ctx context.Context, connectionID string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		prompts := make([]KBDIQuery, len(questions))
		for i := range questions {
			echo := false
			if i < len(echos) {
				echo = echos[i]
			}
			prompts[i] = KBDIQuery{Text: questions[i], Echo: echo}
		}

		m.bus.Publish(events.Event{
			Name:         events.SSHKBDIPrompt,
			ConnectionID: connectionID,
			Payload:      KBDIPrompt{Name: name, Instruction: instruction, Prompts: prompts},
		})

		m.kbdi.mu.Lock()
		slot, ok := m.kbdi.slots[connectionID]
		m.kbdi.mu.Unlock()
		if !ok {
			return nil, errs.New(errs.Protocol, "no keyboard-interactive slot open for %s", connectionID)
		}

		select {
		case answers := <-slot:
			return answers, nil
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Timeout, ctx.Err())
		}
	}
}
