/*
 * Copyright (c) 2018 Geoff Levand
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utility

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"

	"github.com/glevand/packet--packet-images/telemetry"
)

func WrappedClose(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Panicf("could not close closer properly: %v", err)
	}
}

func RunCommandWithOutput(ctx context.Context, cmd *exec.Cmd) error {

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", cmd.String()))
	defer span.End()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("non zero exit code exit code: %v, output: %s", err, string(output))
	}

	return nil
}

// InvokingUser resolves the uid/gid that should own produced artifacts: the
// sudo caller when running under sudo, the current user otherwise.
func InvokingUser() (uid int, gid int) {
	uid = os.Getuid()
	gid = os.Getgid()

	if value := os.Getenv("SUDO_UID"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			uid = parsed
		}
	}
	if value := os.Getenv("SUDO_GID"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			gid = parsed
		}
	}
	return uid, gid
}
