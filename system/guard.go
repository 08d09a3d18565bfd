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

package system

import "log"

type guard struct {
	name    string
	release func() error
}

// Guards tracks release actions for acquired OS resources: loop devices,
// partition mappings, mounts, volume group activations. Release runs them
// in reverse order of acquisition. A failing release is logged and skipped
// so the remaining resources still get torn down.
type Guards struct {
	held []guard
}

func (g *Guards) Add(name string, release func() error) {
	g.held = append(g.held, guard{name: name, release: release})
}

func (g *Guards) Release() {
	for i := len(g.held) - 1; i >= 0; i-- {
		entry := g.held[i]
		if err := entry.release(); err != nil {
			log.Printf("teardown %s: %v", entry.name, err)
		}
	}
	g.held = nil
}
