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

// packet-images prepares bootable Fedora images for deployment to Packet
// bare-metal hosts. It downloads a release's container and server images,
// verifies them against the published CHECKSUM manifests, and extracts
// kernel, initrd, kernel-modules, and root-filesystem archives.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/glevand/packet--packet-images/media"
	"github.com/glevand/packet--packet-images/release"
	"github.com/glevand/packet--packet-images/system"
	"github.com/glevand/packet--packet-images/telemetry"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

const (
	workDirName = "work"
	loopDevice  = "/dev/loop0"
	verboseEnv  = "VERBOSE"
)

const usageText = `usage: packet-images [-h|--help] [-v|--verbose] [--upload-bucket BUCKET] <version> <arch> <outdir>

Prepares Fedora kernel, initrd, modules, and rootfs archives for deployment
to Packet bare-metal hosts.

  version   Fedora version to build from (28 or 29)
  arch      target architecture (arm64 or aarch64)
  outdir    directory that receives the finished artifacts

Environment:
  VERBOSE   non-empty value enables verbose output

Requires passwordless sudo for loop device, device-mapper, mount, and LVM
operations.
`

// arguments is the validated CLI surface of one run.
type arguments struct {
	descriptor release.Descriptor
	outDir     string
	verbose    bool
	bucket     string
}

// parsePositionals validates the three required positional arguments and
// resolves them into a release descriptor.
func parsePositionals(args []string) (release.Descriptor, string, error) {
	if len(args) < 3 {
		return release.Descriptor{}, "", fmt.Errorf("missing arguments: <version> <arch> <outdir> are required")
	}
	if len(args) > 3 {
		return release.Descriptor{}, "", fmt.Errorf("extra arguments: %s", strings.Join(args[3:], " "))
	}

	descriptor, resolveErr := release.Resolve(args[0], args[1])
	if resolveErr != nil {
		return release.Descriptor{}, "", resolveErr
	}
	return descriptor, args[2], nil
}

func usage(out *os.File) {
	fmt.Fprint(out, usageText)
}

// parseCommandLine parses flags and positionals. ContinueOnError keeps
// pflag from exiting with its own status on a bad flag; every argument
// error funnels through main's single usage-and-exit-1 path.
func parseCommandLine(argv []string) (arguments, bool, error) {
	flags := flag.NewFlagSet("packet-images", flag.ContinueOnError)
	help := flags.BoolP("help", "h", false, "print usage and exit")
	verbose := flags.BoolP("verbose", "v", false, "enable verbose output")
	bucket := flags.String("upload-bucket", "", "cloud storage bucket to publish finished artifacts to")
	flags.Usage = func() {}

	if err := flags.Parse(argv); err != nil {
		return arguments{}, false, err
	}
	if *help {
		return arguments{}, true, nil
	}
	if os.Getenv(verboseEnv) != "" {
		*verbose = true
	}

	descriptor, outDir, parseErr := parsePositionals(flags.Args())
	if parseErr != nil {
		return arguments{}, false, parseErr
	}

	return arguments{
		descriptor: descriptor,
		outDir:     outDir,
		verbose:    *verbose,
		bucket:     *bucket,
	}, false, nil
}

func main() {
	args, showHelp, parseErr := parseCommandLine(os.Args[1:])
	if showHelp {
		usage(os.Stdout)
		return
	}
	if parseErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", parseErr)
		usage(os.Stderr)
		os.Exit(1)
	}

	if err := run(args); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func run(args arguments) error {
	ctx := context.Background()

	shutdown, telemetryErr := telemetry.Setup()
	if telemetryErr != nil {
		return telemetryErr
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("could not shut down tracing: %v", err)
		}
	}()

	ops := &system.ExecOps{Verbose: args.verbose}
	if err := ops.CheckPrivileges(ctx); err != nil {
		return err
	}

	workDir := filepath.Join(args.outDir, workDirName)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return err
	}

	workFS := afero.NewBasePathFs(afero.NewOsFs(), workDir)
	fetcher := media.NewFetcher(workFS, args.verbose)
	descriptor := args.descriptor

	if err := fetcher.FetchAndVerify(ctx, descriptor.ContainerImage()); err != nil {
		return fmt.Errorf("container image: %v", err)
	}
	if err := media.ExtractContainer(ctx, descriptor.ContainerImage(), args.verbose); err != nil {
		return fmt.Errorf("container image: %v", err)
	}

	if err := fetcher.FetchAndVerify(ctx, descriptor.ServerImage()); err != nil {
		return fmt.Errorf("server image: %v", err)
	}

	extractor := &media.ServerExtractor{
		Ops:        ops,
		OutDir:     args.outDir,
		WorkDir:    workDir,
		LoopDevice: loopDevice,
		Verbose:    args.verbose,
	}
	if err := extractor.Extract(ctx, descriptor); err != nil {
		return fmt.Errorf("server image: %v", err)
	}

	if args.bucket != "" {
		if err := media.UploadArtifacts(ctx, args.outDir, descriptor.Artifacts().List(), args.bucket); err != nil {
			return fmt.Errorf("upload: %v", err)
		}
	}

	log.Printf("Fedora %s (%s) artifacts are ready under %s", descriptor.Version, descriptor.Tag, args.outDir)
	return nil
}
