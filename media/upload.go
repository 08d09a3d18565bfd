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
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/glevand/packet--packet-images/utility"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// newStorageClient builds a storage client whose HTTP transport is traced
// with otelhttp, same as the download side. The authenticated transport is
// assembled first so the instrumentation wraps it; handing the client a
// plain interceptor option instead would be discarded by its HTTP
// transport setup.
func newStorageClient(ctx context.Context, opts ...option.ClientOption) (*storage.Client, error) {

	transportOpts := append([]option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}, opts...)
	base, transportErr := htransport.NewTransport(ctx, http.DefaultTransport, transportOpts...)
	if transportErr != nil {
		return nil, transportErr
	}
	instrumented := &http.Client{Transport: otelhttp.NewTransport(base)}

	clientOpts := append(append([]option.ClientOption{}, opts...), option.WithHTTPClient(instrumented))
	return storage.NewClient(ctx, clientOpts...)
}

// UploadArtifacts publishes the finished archives to a cloud storage
// bucket so deploy hosts can pull them. The four uploads run concurrently;
// any failure fails the run.
func UploadArtifacts(ctx context.Context, dir string, names []string, bucket string, opts ...option.ClientOption) error {

	client, clientErr := newStorageClient(ctx, opts...)
	if clientErr != nil {
		return fmt.Errorf("creating cloud storage client: %v", clientErr)
	}
	defer utility.WrappedClose(client)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		group.Go(func() error {
			return uploadFile(groupCtx, client.Bucket(bucket), bucket, dir, name)
		})
	}
	return group.Wait()
}

func uploadFile(ctx context.Context, bucket *storage.BucketHandle, bucketName string, dir string, name string) error {

	source, openErr := os.Open(filepath.Join(dir, name))
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(source)

	writer := bucket.Object(name).NewWriter(ctx)
	// stream each archive in a single request, keeping the fail-fast
	// policy instead of accumulating resumable-upload state
	writer.ChunkSize = 0
	if _, err := io.Copy(writer, source); err != nil {
		_ = writer.Close()
		return fmt.Errorf("uploading %s: %v", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("uploading %s: %v", name, err)
	}

	log.Printf("uploaded %s to %s", name, bucketName)
	return nil
}
