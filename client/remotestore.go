package client

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sio2project/filetracker/internal/fterrors"
	"github.com/sio2project/filetracker/internal/nametools"
)

// SupportedProtocolVersions are the protocol versions this client can
// speak. The negotiated version is the highest one both client and
// server advertise.
var SupportedProtocolVersions = []int{1, 2}

// RemoteStore is a DataStore backed by an HTTP filetracker server.
type RemoteStore struct {
	BaseURL string
	HTTP    *http.Client

	negotiated  bool
	protocolVer int
	negotiate   singleflight.Group
}

// NewRemoteStore returns a RemoteStore talking to baseURL.
func NewRemoteStore(baseURL string) *RemoteStore {
	return &RemoteStore{BaseURL: baseURL, HTTP: http.DefaultClient}
}

// ProtocolVersion returns the negotiated protocol version, querying
// GET /version on first use. A 404 response is treated as protocol 1.
// Concurrent callers racing on the first call share one HTTP round
// trip.
func (r *RemoteStore) ProtocolVersion() (int, error) {
	if r.negotiated {
		return r.protocolVer, nil
	}
	v, err, _ := r.negotiate.Do("version", func() (interface{}, error) {
		return r.fetchProtocolVersion()
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *RemoteStore) fetchProtocolVersion() (int, error) {
	if r.negotiated {
		return r.protocolVer, nil
	}
	resp, err := r.HTTP.Get(r.BaseURL + "/version")
	if err != nil {
		return 0, fmt.Errorf("%w: GET /version: %v", fterrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		r.negotiated, r.protocolVer = true, 1
		return 1, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: GET /version: HTTP %d", fterrors.ErrTransport, resp.StatusCode)
	}
	var body struct {
		ProtocolVersions []int `json:"protocol_versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decoding /version response: %v", fterrors.ErrTransport, err)
	}
	best := -1
	for _, serverVer := range body.ProtocolVersions {
		for _, clientVer := range SupportedProtocolVersions {
			if serverVer == clientVer && serverVer > best {
				best = serverVer
			}
		}
	}
	if best < 0 {
		return 0, fterrors.ErrProtocolNegotiation
	}
	r.negotiated, r.protocolVer = true, best
	return best, nil
}

func (r *RemoteStore) fileURL(base string) string {
	return r.BaseURL + "/files" + encodePath(base)
}

// encodePath percent-encodes each path segment, leaving "/" separators
// intact.
func encodePath(base string) string {
	u := url.URL{Path: base}
	return u.EscapedPath()
}

func (r *RemoteStore) AddFile(name, path string) (string, error) {
	return r.addFile(name, path, true)
}

// addFile uploads path under name. When compressHint is true (protocol
// 2 only) the file is gzip-compressed client-side into a temp file and
// sent with Content-Encoding: gzip plus SHA256-Checksum and
// Logical-Size headers.
func (r *RemoteStore) addFile(name, path string, compressHint bool) (string, error) {
	base, version, hasVersion, err := nametools.Split(name)
	if err != nil {
		return "", err
	}
	if !hasVersion {
		version = time.Now().Unix()
	}

	protoVer, err := r.ProtocolVersion()
	if err != nil {
		return "", err
	}
	useGzip := compressHint && protoVer >= 2

	req, err := r.buildUploadRequest(base, path, version, useGzip)
	if err != nil {
		return "", err
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: PUT %s: %v", fterrors.ErrTransport, base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: PUT %s: HTTP %d: %s", fterrors.ErrTransport, base, resp.StatusCode, resp.Header.Get("X-Exception"))
	}
	remoteVersion, err := parseLastModifiedHeader(resp.Header.Get("Last-Modified"))
	if err != nil {
		remoteVersion = version
	}
	return nametools.Join(base, remoteVersion), nil
}

func (r *RemoteStore) buildUploadRequest(base, path string, version int64, useGzip bool) (*http.Request, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("remotestore: opening %q: %w", path, err)
	}
	defer in.Close()

	uri := r.fileURL(base) + "?last_modified=" + url.QueryEscape(formatHTTPDate(version))

	if !useGzip {
		fi, statErr := os.Stat(path)
		var size int64
		if statErr == nil {
			size = fi.Size()
		}
		req, err := http.NewRequest(http.MethodPut, uri, in)
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		return req, nil
	}

	tmp, err := os.CreateTemp("", "filetracker-upload-*")
	if err != nil {
		return nil, fmt.Errorf("remotestore: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	gw := gzip.NewWriter(tmp)
	n, err := io.Copy(io.MultiWriter(gw, hasher), in)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("remotestore: compressing upload: %w", err)
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, err
	}
	fi, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPut, uri, tmp)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	req.ContentLength = fi.Size()
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("SHA256-Checksum", hex.EncodeToString(hasher.Sum(nil)))
	req.Header.Set("Logical-Size", strconv.FormatInt(n, 10))
	return req, nil
}

func (r *RemoteStore) GetStream(name string) (io.ReadCloser, string, error) {
	base, version, hasVersion, err := nametools.Split(name)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.HTTP.Get(r.fileURL(base))
	if err != nil {
		return nil, "", fmt.Errorf("%w: GET %s: %v", fterrors.ErrTransport, base, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: GET %s: HTTP %d", fterrors.ErrTransport, base, resp.StatusCode)
	}

	remoteVersion, _ := parseLastModifiedHeader(resp.Header.Get("Last-Modified"))
	if hasVersion && remoteVersion != 0 && remoteVersion != version {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: %s: server has %d", fterrors.ErrNotFound, name, remoteVersion)
	}

	var stream io.ReadCloser = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, "", fmt.Errorf("remotestore: decompressing response: %w", err)
		}
		stream = gzipReadCloser{gr, resp.Body}
	}
	return stream, nametools.Join(base, remoteVersion), nil
}

type gzipReadCloser struct {
	*gzip.Reader
	underlying io.Closer
}

func (g gzipReadCloser) Close() error {
	g.Reader.Close()
	return g.underlying.Close()
}

func (r *RemoteStore) GetFile(name, dest string) (string, error) {
	stream, vname, err := r.GetStream(name)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", err
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("remotestore: creating %q: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, stream); err != nil {
		return "", fmt.Errorf("remotestore: writing %q: %w", dest, err)
	}
	return vname, nil
}

func (r *RemoteStore) Exists(name string) bool {
	base, version, hasVersion, err := nametools.Split(name)
	if err != nil {
		return false
	}
	resp, err := r.HTTP.Head(r.fileURL(base))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false
	}
	if hasVersion {
		remoteVersion, _ := parseLastModifiedHeader(resp.Header.Get("Last-Modified"))
		if remoteVersion != 0 && remoteVersion != version {
			return false
		}
	}
	return true
}

func (r *RemoteStore) FileVersion(name string) (int64, error) {
	base, _, _, err := nametools.Split(name)
	if err != nil {
		return 0, err
	}
	resp, err := r.HTTP.Head(r.fileURL(base))
	if err != nil {
		return 0, fmt.Errorf("%w: HEAD %s: %v", fterrors.ErrTransport, base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HEAD %s: HTTP %d", fterrors.ErrTransport, base, resp.StatusCode)
	}
	return parseLastModifiedHeader(resp.Header.Get("Last-Modified"))
}

func (r *RemoteStore) FileSize(name string) (int64, error) {
	base, _, _, err := nametools.Split(name)
	if err != nil {
		return 0, err
	}
	resp, err := r.HTTP.Head(r.fileURL(base))
	if err != nil {
		return 0, fmt.Errorf("%w: HEAD %s: %v", fterrors.ErrTransport, base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
	}
	size, err := strconv.ParseInt(resp.Header.Get("Logical-Size"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("remotestore: malformed Logical-Size for %s", name)
	}
	return size, nil
}

func (r *RemoteStore) DeleteFile(name string) error {
	base, version, hasVersion, err := nametools.Split(name)
	if err != nil {
		return err
	}
	if !hasVersion {
		v, err := r.FileVersion(name)
		if err != nil {
			return err
		}
		version = v
	}

	protoVer, err := r.ProtocolVersion()
	if err != nil {
		return err
	}
	if protoVer < 2 {
		// Protocol 1 has no DELETE capability; silently skip.
		return nil
	}

	uri := r.fileURL(base) + "?last_modified=" + url.QueryEscape(formatHTTPDate(version))
	req, err := http.NewRequest(http.MethodDelete, uri, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: DELETE %s: %v", fterrors.ErrTransport, base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: DELETE %s: HTTP %d", fterrors.ErrTransport, base, resp.StatusCode)
	}
	return nil
}

// ListFiles is not supported remotely: the remote /list endpoint
// enumerates a single prefix subtree, not every stored file.
// Client.ListLocalFiles only ever calls the local store.
func (r *RemoteStore) ListFiles() ([]FileInfoEntry, error) {
	return nil, fmt.Errorf("remotestore: ListFiles is not supported; use Client.ListLocalFiles")
}

func parseLastModifiedHeader(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("remotestore: missing Last-Modified header")
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return 0, fmt.Errorf("remotestore: malformed Last-Modified header %q: %w", raw, err)
	}
	return t.Unix(), nil
}

func formatHTTPDate(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format(http.TimeFormat)
}

var _ DataStore = (*RemoteStore)(nil)
