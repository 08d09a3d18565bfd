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

package release

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// MirrorRoot is where the image composes live. aarch64 is a Fedora
	// secondary architecture, so everything comes off the secondary tree.
	MirrorRoot = "https://dl.fedoraproject.org/pub/fedora-secondary"

	// CanonicalArch is the only architecture the packet images are built
	// for.
	CanonicalArch = "aarch64"
)

// checksumOrder selects the field order inside a CHECKSUM manifest name.
// Released trees name theirs version-tag-arch, branched nightly composes
// arch-version-tag. The inconsistency is upstream's and has to be kept.
type checksumOrder int

const (
	sumVersionFirst checksumOrder = iota
	sumArchFirst
)

// Descriptor ties a requested Fedora version to the mirror subpath, the
// compose release tag, and the CHECKSUM naming convention of its published
// artifacts. Descriptors are fixed at startup and never mutated.
type Descriptor struct {
	Version string
	Path    string
	Tag     string
	Arch    string

	order checksumOrder
}

var releases = map[string]Descriptor{
	"28": {
		Version: "28",
		Path:    "releases/28",
		Tag:     "1.1",
		order:   sumVersionFirst,
	},
	"29": {
		Version: "29",
		Path:    "development/29",
		Tag:     "20180905.n.0",
		order:   sumArchFirst,
	},
}

// NormalizeArch maps the accepted aliases for 64-bit ARM to the identifier
// used in all derived filenames.
func NormalizeArch(arch string) (string, error) {
	switch arch {
	case "arm64", "aarch64":
		return CanonicalArch, nil
	}
	return "", fmt.Errorf("unsupported architecture: %q (supported: arm64, aarch64)", arch)
}

// Supported lists the buildable versions in ascending order.
func Supported() []string {
	versions := make([]string, 0, len(releases))
	for version := range releases {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions
}

func Resolve(version string, arch string) (Descriptor, error) {
	canonical, archErr := NormalizeArch(arch)
	if archErr != nil {
		return Descriptor{}, archErr
	}

	descriptor, ok := releases[version]
	if !ok {
		return Descriptor{}, fmt.Errorf("unsupported version: %q (supported: %s)",
			version, strings.Join(Supported(), ", "))
	}

	descriptor.Arch = canonical
	return descriptor, nil
}

func (d Descriptor) checksumCode() string {
	if d.order == sumArchFirst {
		return fmt.Sprintf("%s-%s-%s", d.Arch, d.Version, d.Tag)
	}
	return fmt.Sprintf("%s-%s-%s", d.Version, d.Tag, d.Arch)
}

// Image identifies one downloadable file and its CHECKSUM manifest.
type Image struct {
	BaseURL  string
	Name     string
	Checksum string
}

func (i Image) URL() string {
	return fmt.Sprintf("%s/%s", i.BaseURL, i.Name)
}

func (i Image) ChecksumURL() string {
	return fmt.Sprintf("%s/%s", i.BaseURL, i.Checksum)
}

func (d Descriptor) ContainerImage() Image {
	return Image{
		BaseURL:  fmt.Sprintf("%s/%s/Container/%s/images", MirrorRoot, d.Path, d.Arch),
		Name:     fmt.Sprintf("Fedora-Container-Base-%s-%s.%s.tar.xz", d.Version, d.Tag, d.Arch),
		Checksum: fmt.Sprintf("Fedora-Container-%s-CHECKSUM", d.checksumCode()),
	}
}

func (d Descriptor) ServerImage() Image {
	return Image{
		BaseURL:  fmt.Sprintf("%s/%s/Server/%s/images", MirrorRoot, d.Path, d.Arch),
		Name:     fmt.Sprintf("Fedora-Server-%s-%s.%s.raw.xz", d.Version, d.Tag, d.Arch),
		Checksum: fmt.Sprintf("Fedora-Server-%s-CHECKSUM", d.checksumCode()),
	}
}

// Artifacts are the finished archive names. They carry the compose release
// tag, never the requested version: the tag is what the image build
// actually produced.
type Artifacts struct {
	Kernel  string
	Modules string
	Initrd  string
	RootFS  string
}

func (d Descriptor) Artifacts() Artifacts {
	stem := fmt.Sprintf("f%s.%s", d.Tag, d.Arch)
	return Artifacts{
		Kernel:  fmt.Sprintf("packet-%s-kernel.tar.gz", stem),
		Modules: fmt.Sprintf("packet-%s-modules.tar.gz", stem),
		Initrd:  fmt.Sprintf("packet-%s-initrd.tar.gz", stem),
		RootFS:  fmt.Sprintf("server-%s-rootfs.tar.gz", stem),
	}
}

func (a Artifacts) List() []string {
	return []string{a.Kernel, a.Modules, a.Initrd, a.RootFS}
}
