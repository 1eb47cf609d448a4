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

package shell

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterEnvAllowList(t *testing.T) {
	in := map[string]string{
		"LANG":    "en_US.UTF-8",
		"TERM":    "xterm-256color",
		"SECRET":  "no",
		"MY_VAR":  "ok",
		"BAD_VAL": "has\x01control",
	}
	out := filterEnv(in)
	require.Equal(t, "en_US.UTF-8", out["LANG"])
	require.Equal(t, "xterm-256color", out["TERM"])
	require.Equal(t, "ok", out["MY_VAR"])
	_, hasSecret := out["SECRET"]
	require.False(t, hasSecret)
	_, hasBad := out["BAD_VAL"]
	require.False(t, hasBad)
}

func TestClamp(t *testing.T) {
	require.Equal(t, 1, clamp(0, 1, 1000))
	require.Equal(t, 1000, clamp(5000, 1, 1000))
	require.Equal(t, 80, clamp(80, 1, 1000))
}

func TestSplitShellCommand(t *testing.T) {
	argv, err := splitShellCommand(`/bin/bash -lc "echo hi"`)
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/bash", "-lc", "echo hi"}, argv)

	argv, err = splitShellCommand("")
	require.NoError(t, err)
	require.Nil(t, argv)
}

func TestSplitShellCommandUnterminatedQuote(t *testing.T) {
	_, err := splitShellCommand(`echo "unterminated`)
	require.Error(t, err)
}
