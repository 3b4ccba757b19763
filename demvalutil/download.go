/*
Copyright © 2024 the DEMVal authors.
This file is part of DEMVal.

DEMVal is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

DEMVal is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with DEMVal.  If not, see <http://www.gnu.org/licenses/>.
*/

package demvalutil

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/ctessum/geom"
	"github.com/google/go-cloud/blob"
	"github.com/google/go-cloud/blob/fileblob"
	"github.com/google/go-cloud/blob/gcsblob"
	"github.com/google/go-cloud/blob/s3blob"
	"github.com/google/go-cloud/gcp"

	"github.com/ciresdem/demval/tilestore"
)

// maybeDownload checks if the input is an existing file locally.
// If not, it checks if the file is a URL, and if it is,
// it downloads the file and returns the path to the downloaded copy.
// c, if not nil, is a channel across which error and
// logging messages will be sent.
func maybeDownload(ctx context.Context, path string, c chan string) string {
	// Check if local file exists. If it does, return the given path.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return path
	}

	// If the path starts with one of these prefixes, download the file and
	// return the location it was downloaded to.
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return downloadHTTP(path, c)
	}

	if IsBlob(path) {
		return downloadBlob(ctx, path, c)
	}

	return path
}

// downloadHTTP downloads a file from the specified URL and returns
// the path to the downloaded file.
func downloadHTTP(path string, c chan string) string {
	dir, err := ioutil.TempDir("", "demval")
	if err != nil {
		panic(fmt.Errorf("demvalutil: failed creating temporary download directory: %v", err))
	}
	w, err := os.Create(filepath.Join(dir, filepath.Base(path)))
	if err != nil {
		panic(fmt.Errorf("demvalutil: failed creating file for download: %v", err))
	}
	resp, err := http.Get(path)
	if err != nil {
		c <- err.Error()
		return path
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c <- fmt.Sprintf("downloading %s: %s", path, resp.Status)
		return path
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		c <- err.Error()
		return path
	}
	if err := w.Close(); err != nil {
		c <- err.Error()
		return path
	}
	return w.Name()
}

// IsBlob returns whether the given filename represents a blob.
// (i.e., if it starts with `gs://`, 's3://', or 'file://').
func IsBlob(path string) bool {
	return strings.HasPrefix(path, "gs://") || strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "file://")
}

// OpenBucket returns the blob storage bucket specified by bucketName,
// where bucketName must be in the format 'provider://name' where provider
// is the name of the storage provider and name is the name of the bucket.
// Even if name contains subdirectories, only the base directory name will be
// used when opening the bucket.
// The currently accepted storage providers are "file" for the local filesystem
// (e.g., for testing), "gs" for Google Cloud Storage, and "s3" for AWS S3.
func OpenBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	url, err := url.Parse(bucketName)
	if err != nil {
		return nil, fmt.Errorf("demvalutil.OpenBucket: %v", err)
	}
	switch url.Scheme {
	case "file":
		return fileblob.NewBucket(url.Hostname())
	case "gs":
		return gsBucket(ctx, url.Hostname())
	case "s3":
		return s3Bucket(ctx, url.Hostname())
	default:
		return nil, fmt.Errorf("demvalutil.OpenBucket: invalid provider %s", url.Scheme)
	}
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	// See here for information on credentials:
	// https://cloud.google.com/docs/authentication/getting-started
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, name, c)
}

// s3Bucket opens an s3 storage bucket. It assumes the following
// environment variables are set: AWS_REGION, AWS_ACCESS_KEY_ID, and
// AWS_SECRET_ACCESS_KEY.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-2"
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}
	s := session.Must(session.NewSession(c))
	return s3blob.OpenBucket(ctx, s, name)
}

// downloadBlob downloads the specified file from blob storage.
func downloadBlob(ctx context.Context, blobPath string, c chan string) string {
	url, err := url.Parse(blobPath)
	if err != nil {
		c <- err.Error()
		return blobPath
	}
	dir, err := ioutil.TempDir("", "demval")
	if err != nil {
		panic(fmt.Errorf("demvalutil: failed creating temporary download directory: %v", err))
	}
	local := filepath.Join(dir, path.Base(url.Path))
	if err := fetchInto(ctx, url.Scheme+"://"+url.Host+path.Dir(url.Path), path.Base(url.Path), dir); err != nil {
		c <- err.Error()
		return blobPath
	}
	return local
}

// stageTiles makes the photon tile database at tileDir available on
// the local file system. Local directories are used in place. Remote
// locations (http or blob URLs) are staged into a temporary directory:
// first the index file, which is then queried for the tiles
// overlapping bounds within dates, and then only those tiles. The
// caller owns the returned directory when it differs from tileDir.
func stageTiles(ctx context.Context, tileDir string, bounds *geom.Bounds, dates tilestore.DateRange, c chan string) (string, error) {
	remote := strings.HasPrefix(tileDir, "http://") ||
		strings.HasPrefix(tileDir, "https://") || IsBlob(tileDir)
	if !remote {
		return tileDir, nil
	}
	dir, err := ioutil.TempDir("", "demvaltiles")
	if err != nil {
		return "", fmt.Errorf("demvalutil: failed creating tile staging directory: %v", err)
	}
	if err := fetchInto(ctx, tileDir, tilestore.IndexFilename, dir); err != nil {
		return "", fmt.Errorf("demvalutil: fetching tile index from %s: %v", tileDir, err)
	}
	store, err := tilestore.OpenStore(dir)
	if err != nil {
		return "", err
	}
	entries, err := store.Tiles(bounds, dates)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if c != nil {
			c <- fmt.Sprintf("staging photon tile %s\n", e.Name)
		}
		if err := fetchInto(ctx, tileDir, e.Name, dir); err != nil {
			return "", fmt.Errorf("demvalutil: fetching tile %s from %s: %v", e.Name, tileDir, err)
		}
	}
	return dir, nil
}

// fetchInto copies the file called name from the http or blob location
// base into the directory destDir.
func fetchInto(ctx context.Context, base, name, destDir string) error {
	w, err := os.Create(filepath.Join(destDir, name))
	if err != nil {
		return err
	}
	defer w.Close()
	var r io.ReadCloser
	if IsBlob(base) {
		u, err := url.Parse(base)
		if err != nil {
			return err
		}
		bucket, err := OpenBucket(ctx, u.Scheme+"://"+u.Host)
		if err != nil {
			return err
		}
		key := path.Join(strings.TrimPrefix(u.Path, "/"), name)
		r, err = bucket.NewReader(ctx, key)
		if err != nil {
			return err
		}
	} else {
		resp, err := http.Get(strings.TrimSuffix(base, "/") + "/" + name)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("%s: %s", base+"/"+name, resp.Status)
		}
		r = resp.Body
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}
