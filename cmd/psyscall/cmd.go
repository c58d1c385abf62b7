// Copyright 2024 The psyscall Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vireo-systems/psyscall"
)

var rootCmd = &cobra.Command{
	Use:   "psyscall",
	Short: "Invoke a system call inside another process's address space.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

var (
	flagPid  int
	flagNr   int64
	flagArgs string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Invoke one syscall in a running target process and print its result as JSON.",
	Run: func(cmd *cobra.Command, args []string) {
		argv, err := parseArgs(flagArgs)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		result := run(flagPid, flagNr, argv)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if result.Err != nil {
			os.Exit(1)
		}
	},
}

func parseArgs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	fields := strings.Split(raw, ",")
	argv := make([]int64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --args entry %q: %w", f, err)
		}
		argv = append(argv, v)
	}
	return argv, nil
}

func run(pid int, nr int64, argv []int64) psyscall.CallResult {
	value, err := psyscall.Syscall(context.Background(), pid, nr, argv...)
	var callErr *psyscall.Error
	if e, ok := err.(*psyscall.Error); ok {
		callErr = e
	} else if err != nil {
		callErr = &psyscall.Error{Kind: psyscall.ExecutionFailed, Pid: pid, Err: err}
	}
	return psyscall.CallResult{Value: value, Err: callErr}
}

func setupCommands() *cobra.Command {
	callCmd.Flags().IntVar(&flagPid, "pid", 0, "target process id")
	callCmd.Flags().Int64Var(&flagNr, "nr", 0, "syscall number")
	callCmd.Flags().StringVar(&flagArgs, "args", "", "comma-separated syscall arguments (up to six)")
	callCmd.MarkFlagRequired("pid")

	rootCmd.AddCommand(callCmd)
	return rootCmd
}
