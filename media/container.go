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

package media

import (
	"context"
	"log"

	"github.com/glevand/packet--packet-images/release"
)

// ExtractContainer would unpack the container base image. Nothing in the
// packet builds consumes it yet, so the step is deliberately a no-op. It
// stays in the workflow so the container image keeps getting downloaded and
// verified alongside the server image.
func ExtractContainer(ctx context.Context, img release.Image, verbose bool) error {
	if verbose {
		log.Printf("skipping extraction of %s", img.Name)
	}
	return nil
}
