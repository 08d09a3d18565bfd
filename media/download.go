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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/glevand/packet--packet-images/release"
	"github.com/glevand/packet--packet-images/utility"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Fetcher downloads image files and their CHECKSUM manifests into the work
// directory and verifies them. Downloads are conditional on modification
// time, so an already current local copy is not fetched again.
type Fetcher struct {
	client  *http.Client
	fs      afero.Fs
	verbose bool
}

func NewFetcher(fs afero.Fs, verbose bool) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout:   time.Minute * 30,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		fs:      fs,
		verbose: verbose,
	}
}

// FetchAndVerify downloads the image and its manifest, then checks the
// image's SHA256 against the manifest entry for its filename. Verification
// always runs, even when both downloads were skipped as current.
func (f *Fetcher) FetchAndVerify(ctx context.Context, img release.Image) error {

	if err := f.fetch(ctx, img.URL(), img.Name); err != nil {
		return err
	}
	if err := f.fetch(ctx, img.ChecksumURL(), img.Checksum); err != nil {
		return err
	}

	return f.verify(img)
}

func (f *Fetcher) fetch(ctx context.Context, url string, name string) error {

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if requestErr != nil {
		return requestErr
	}
	if info, statErr := f.fs.Stat(name); statErr == nil {
		request.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
	}

	response, downloadErr := f.client.Do(request)
	if downloadErr != nil {
		return downloadErr
	}
	defer utility.WrappedClose(response.Body)

	switch response.StatusCode {
	case http.StatusNotModified:
		if f.verbose {
			log.Printf("%s is up to date, skipping download", name)
		}
		return nil
	case http.StatusOK:
	default:
		return fmt.Errorf("downloading %s: unexpected status %s", url, response.Status)
	}

	target, createErr := f.fs.Create(name)
	if createErr != nil {
		return createErr
	}
	written, copyErr := io.Copy(target, response.Body)
	if closeErr := target.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return copyErr
	}

	// stamp the server's mtime so the next run can send If-Modified-Since
	if stamp, parseErr := http.ParseTime(response.Header.Get("Last-Modified")); parseErr == nil {
		if err := f.fs.Chtimes(name, stamp, stamp); err != nil {
			return err
		}
	}

	if f.verbose {
		log.Printf("downloaded %s (%s)", name, datasize.ByteSize(written).HumanReadable())
	}
	return nil
}

func (f *Fetcher) verify(img release.Image) error {

	manifest, manifestErr := afero.ReadFile(f.fs, img.Checksum)
	if manifestErr != nil {
		return manifestErr
	}

	expected, entryErr := manifestEntry(manifest, img.Name)
	if entryErr != nil {
		return fmt.Errorf("%s: %v", img.Checksum, entryErr)
	}

	image, openErr := f.fs.Open(img.Name)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(image)

	hash := sha256.New()
	if _, hashErr := io.Copy(hash, image); hashErr != nil {
		return hashErr
	}
	actual := hex.EncodeToString(hash.Sum(nil))

	if actual != expected {
		return fmt.Errorf("checksum mismatch for %s: manifest has %s, file is %s", img.Name, expected, actual)
	}
	if f.verbose {
		log.Printf("verified %s", img.Name)
	}
	return nil
}

// manifestEntry extracts the SHA256 for name. Fedora CHECKSUM manifests
// carry BSD-style lines, `SHA256 (file) = hex`; plain `hex  file` pairs
// are accepted too.
func manifestEntry(manifest []byte, name string) (string, error) {
	bsdPrefix := fmt.Sprintf("SHA256 (%s) = ", name)

	for _, line := range strings.Split(string(manifest), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, bsdPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, bsdPrefix)), nil
		}
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == name {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no entry for %s", name)
}
