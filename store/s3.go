package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	raven "github.com/getsentry/raven-go"
)

// An S3 store keeps its contents on AWS S3 (or any S3-compatible service).
// It is used for hosted depots shared between several machines. Do not
// change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	Bucket   string
	Prefix   string
	sizes    *sizecache // remembers HEAD info
}

var (
	// ErrNotExist means the key does not exist in the bucket.
	ErrNotExist = errors.New("key does not exist")
)

// NewS3 creates a new S3 store using the given bucket, prepending prefix to
// every key. The prefix allows one bucket to hold more than one store. The
// credentials in the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return &S3{
		Bucket:   bucket,
		Prefix:   prefix,
		svc:      s3.New(awsSession),
		uploader: s3manager.NewUploader(awsSession),
		sizes:    newSizeCache(),
	}
}

// List returns a channel enumerating every key in this store. Only keys
// under the store's Prefix are returned, so it is safe to use on a bucket
// holding other data.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.Bucket),
			Prefix: aws.String(s.Prefix),
		}
		err := s.svc.ListObjectsV2Pages(input,
			func(page *s3.ListObjectsV2Output, lastpage bool) bool {
				for _, item := range page.Contents {
					out <- strings.TrimPrefix(*item.Key, s.Prefix)
				}
				return !lastpage
			})
		if err != nil {
			log.Println("S3 List:", s.Prefix, err)
			raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix})
		}
	}()
	return out
}

// ListPrefix returns the keys in this store having the given prefix. The
// argument prefix is appended to the store's Prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				result = append(result, strings.TrimPrefix(*item.Key, s.Prefix))
			}
			return !lastpage
		})
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Pattern": prefix})
	}
	return result, err
}

// Open returns a ReadAtCloser supplying the content for the given key. Data
// is paged in from S3 as needed, so a zip archive can be read without
// downloading the whole object first.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	size, err := s.stat(key)
	if err != nil {
		return nil, 0, err
	}
	result := &s3ReadAtCloser{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
		size:   size,
	}
	return result, size, nil
}

// Create returns a WriteCloser uploading content to the given key. The
// upload is buffered and sent using the multipart interface as needed.
// Nothing is visible under the key until Close returns without error.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	_, err := s.stat(key)
	if err == nil {
		return nil, ErrKeyExists
	}
	s.sizes.Set(key, 0) // reset in case this key was previously deleted
	pr, pw := io.Pipe()
	wc := &s3WriteCloser{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		if err != nil {
			log.Println("S3 Create:", s.Prefix, key, err)
			raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Key": key})
			pr.CloseWithError(err)
		}
		wc.done <- err
	}()
	return wc, nil
}

// Delete removes the given key from the store. It is not an error to delete
// something that doesn't exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key})
	} else {
		s.sizes.Set(key, sizeDeleted)
	}
	return err
}

// stat checks whether a key exists, and if so returns its size. The sizes
// are cached to cut down on the number of HEAD requests.
func (s *S3) stat(key string) (int64, error) {
	return s.sizes.Get(key, s.stat0)
}

// stat0 does the actual HEAD request to S3. You probably want stat().
func (s *S3) stat0(key string) (int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		return 0, err
	}
	return *info.ContentLength, nil
}

// s3WriteCloser adapts the pipe feeding an s3manager upload to the
// WriteCloser interface. Close blocks until the upload finishes.
type s3WriteCloser struct {
	pw   *io.PipeWriter
	done chan error
}

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	return wc.pw.Write(p)
}

func (wc *s3WriteCloser) Close() error {
	err := wc.pw.Close()
	err2 := <-wc.done
	if err == nil {
		err = err2
	}
	return err
}

// s3ReadAtCloser adapts range GETs to the ReadAt interface. It keeps a
// small LRU cache of recently fetched pages. In the expected case of a
// sequential read through the object the pages are disjoint.
//
// It is not safe to access this from more than one goroutine.
type s3ReadAtCloser struct {
	svc    *s3.S3
	bucket string
	key    string
	pages  []s3Page // cache of data we've downloaded
	size   int64
}

type s3Page struct {
	data   []byte
	offset int64
}

// ReadAt implements the io.ReaderAt interface.
func (rac *s3ReadAtCloser) ReadAt(p []byte, offset int64) (int, error) {
	var err error
	startOffset := offset
	for len(p) > 0 {
		if offset >= rac.size {
			break
		}
		var page s3Page
		page, err = rac.getpage(offset)
		if err != nil {
			// don't return yet, in case data was copied on a previous loop
			break
		}
		n := copy(p, page.data[offset-page.offset:])
		p = p[n:]
		offset += int64(n)
	}
	if err == io.EOF && startOffset != offset {
		err = nil
	} else if err == nil && startOffset == offset {
		err = io.EOF
	}
	return int(offset - startOffset), err
}

// The number of pages kept in the cache. After this the LRU is evicted.
const defaultNumPages = 5

// getpage finds in memory or loads the page covering the given offset.
func (rac *s3ReadAtCloser) getpage(offset int64) (s3Page, error) {
	i := rac.findpage(offset)
	if i == -1 {
		page, err := rac.loadpage(offset)
		if err != nil {
			return s3Page{}, err
		}
		// if the cache is not full yet, add it to the end,
		// otherwise replace the last entry
		if len(rac.pages) < defaultNumPages {
			rac.pages = append(rac.pages, page)
		}
		i = len(rac.pages) - 1
		rac.pages[i] = page
	}
	page := rac.pages[i]
	if i > 0 {
		// move page to front of the cache
		copy(rac.pages[1:], rac.pages[:i])
		rac.pages[0] = page
	}
	return page, nil
}

// findpage returns the index of the cached page containing the byte at
// offset, or -1 if no page covers it.
func (rac *s3ReadAtCloser) findpage(offset int64) int {
	for i, page := range rac.pages {
		base := page.offset
		limit := base + int64(len(page.data))
		if base <= offset && offset < limit {
			return i
		}
	}
	return -1
}

const defaultPageSize = 10 * 1024 * 1024 // 10 MiB

// loadpage reads one page of data from S3. The page start is aligned to a
// multiple of defaultPageSize so pages in memory are disjoint. Less than a
// full page may be returned at the end of the object.
func (rac *s3ReadAtCloser) loadpage(offset int64) (s3Page, error) {
	startpos := (offset / defaultPageSize) * defaultPageSize
	endpos := startpos + defaultPageSize
	input := &s3.GetObjectInput{
		Bucket: aws.String(rac.bucket),
		Key:    aws.String(rac.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", startpos, endpos-1)),
	}
	output, err := rac.svc.GetObject(input)
	if err != nil {
		log.Println("S3 loadpage:", rac.key, offset, err)
		// an invalid range error means we have gone past the end
		e, ok := err.(awserr.RequestFailure)
		if ok && e.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			err = io.EOF
		}
		return s3Page{}, err
	}
	data := &bytes.Buffer{}
	n, err := io.Copy(data, output.Body)
	output.Body.Close()
	if n == 0 && err == nil {
		// nothing was transferred and there was no error...?
		err = io.EOF
	}
	return s3Page{data: data.Bytes(), offset: startpos}, err
}

// Close will close this stream.
func (rac *s3ReadAtCloser) Close() error {
	return nil
}

// head is the structure stored in a sizecache.
type head struct {
	expire time.Time
	size   int64 // size of item. 0 = unknown, -1 = doesn't exist
}

// A sizecache remembers the size or non-existence of remote objects.
// Entries expire after a while; missing keys expire sooner than present
// ones, since a missing key is usually about to be created.
type sizecache struct {
	m         sync.RWMutex    // protects everything below
	cache     map[string]head // cache for item sizes
	sweeptime time.Time       // next time to age everything
}

const (
	sizeDeleted int64 = -1

	defaultMissTTL = 3 * time.Hour
	defaultHitTTL  = 240 * time.Hour // 10 days
)

func newSizeCache() *sizecache {
	return &sizecache{cache: make(map[string]head)}
}

// Get returns the size associated with key. If the key is not cached the
// fill function is called to determine the size. A negative cached size
// returns ErrNotExist.
func (s *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if time.Now().After(s.sweeptime) {
		go s.age()
	}
	entry := s.cache[key]
	if entry.size > 0 {
		return entry.size, nil
	}
	if entry.size < 0 {
		return 0, ErrNotExist
	}
	if fill == nil {
		return 0, nil
	}
	size, err := fill(key)
	s.set0(key, size)
	return size, err
}

// Set caches a size to use for the given key. Use sizeDeleted to mark the
// key as missing.
func (s *sizecache) Set(key string, size int64) {
	s.m.Lock()
	s.set0(key, size)
	s.m.Unlock()
}

func (s *sizecache) set0(key string, size int64) {
	ttl := defaultHitTTL
	switch {
	case size < 0:
		ttl = defaultMissTTL
	case size == 0:
		ttl = 0
	}
	s.cache[key] = head{expire: time.Now().Add(ttl), size: size}
}

// age removes cache entries that have become too old. It holds m the
// entire time.
func (s *sizecache) age() {
	s.m.Lock()
	defer s.m.Unlock()
	now := time.Now()
	s.sweeptime = now.Add(time.Hour)
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k)
		}
	}
}
