// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package cistem

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const qidRefine2D = "queueRefine2D"
const qidUnblur = "queueUnblur"
const qidResample = "queueResample"
const storageId = "storage"

// LocalConn is a simple implementation of the pipeliner interface
// that doesn't rely on any "cloud" services, instead doing everything
// on the local machine. Queues are files with one message per line,
// and storage is a directory. This is useful for testing, and for
// running jobs on a single workstation.
type LocalConn struct {
	// these should be set before running Init(), or left to defaults
	TempDir string
	Logger  *log.Logger

	mu sync.Mutex
}

// MinimalInit does the bare minimum initialisation
func (a *LocalConn) MinimalInit() error {
	var err error
	if a.TempDir == "" {
		a.TempDir = filepath.Join(os.TempDir(), "cistem")
	}
	err = os.MkdirAll(a.TempDir, 0700)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("Error creating temporary directory: %v", err)
	}

	err = os.Mkdir(filepath.Join(a.TempDir, storageId), 0700)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("Error creating storage directory: %v", err)
	}

	if a.Logger == nil {
		a.Logger = log.New(os.Stdout, "", 0)
	}

	return nil
}

// Init just does the same as MinimalInit
func (a *LocalConn) Init() error {
	err := a.MinimalInit()
	if err != nil {
		return err
	}

	return nil
}

// CheckQueue checks for any messages in a queue
func (a *LocalConn) CheckQueue(url string, timeout int64) (Qmsg, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(a.TempDir, url), os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return Qmsg{}, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	s, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return Qmsg{}, err
	}
	s = strings.TrimRight(s, "\n")
	if s != "" {
		a.Logger.Println("Message received:", s)
	}

	return Qmsg{Body: s, Handle: s}, nil
}

// QueueHeartbeat is a no-op with LocalConn
func (a *LocalConn) QueueHeartbeat(msg Qmsg, qurl string, duration int64) (Qmsg, error) {
	return Qmsg{}, nil
}

// GetQueueDetails gets the number of in progress and available
// messages for a queue. These are returned as strings.
func (a *LocalConn) GetQueueDetails(url string) (string, string, error) {
	b, err := os.ReadFile(filepath.Join(a.TempDir, url))
	if os.IsNotExist(err) {
		return "0", "0", nil
	}
	if err != nil {
		return "", "", err
	}
	s := string(b)
	n := strings.Count(s, "\n")

	return fmt.Sprintf("%d", n), "0", nil
}

func (a *LocalConn) Refine2DQueueId() string {
	return qidRefine2D
}

func (a *LocalConn) UnblurQueueId() string {
	return qidUnblur
}

func (a *LocalConn) ResampleQueueId() string {
	return qidResample
}

func (a *LocalConn) WIPStorageId() string {
	return storageId
}

func prefixwalker(dirpath string, prefix string, list *[]ObjMeta) filepath.WalkFunc {
	return func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		n, err := filepath.Rel(dirpath, path)
		if err != nil {
			return err
		}
		n = filepath.ToSlash(n)
		if !strings.HasPrefix(n, prefix) {
			return nil
		}
		o := ObjMeta{Name: n, Date: info.ModTime()}
		*list = append(*list, o)
		return nil
	}
}

func (a *LocalConn) ListObjects(bucket string, prefix string) ([]string, error) {
	var names []string
	list, err := a.ListObjectsWithMeta(bucket, prefix)
	if err != nil {
		return names, err
	}
	for _, v := range list {
		names = append(names, v.Name)
	}
	return names, nil
}

func (a *LocalConn) ListObjectsWithMeta(bucket string, prefix string) ([]ObjMeta, error) {
	var list []ObjMeta
	err := filepath.Walk(filepath.Join(a.TempDir, bucket), prefixwalker(filepath.Join(a.TempDir, bucket), prefix, &list))
	return list, err
}

// AddToQueue adds a message to a queue
func (a *LocalConn) AddToQueue(url string, msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(a.TempDir, url), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(msg + "\n")
	return err
}

// DelFromQueue deletes a message from a queue
func (a *LocalConn) DelFromQueue(url string, handle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := os.ReadFile(filepath.Join(a.TempDir, url))
	if err != nil {
		return err
	}
	s := string(b)

	i := strings.Index(s, handle+"\n")
	if i == -1 {
		return fmt.Errorf("Warning: %s not found in queue %s, so not deleted", handle, url)
	}

	// store the joining of part before and part after handle
	var complete string
	if len(s) >= len(handle)+1 {
		if i > 0 {
			complete = s[:i]
		}
		// the '+1' is for the newline character
		complete += s[i+len(handle)+1:]
	}

	f, err := os.Create(filepath.Join(a.TempDir, url))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(complete)
	return err
}

// Download just copies the file from TempDir/bucket/key to path
func (a *LocalConn) Download(bucket string, key string, path string) error {
	fin, err := os.Open(filepath.Join(a.TempDir, bucket, filepath.FromSlash(key)))
	if err != nil {
		return err
	}
	defer fin.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, fin)
	return err
}

// DeleteObjects removes a list of objects from storage
func (a *LocalConn) DeleteObjects(bucket string, keys []string) error {
	for _, k := range keys {
		err := os.Remove(filepath.Join(a.TempDir, bucket, filepath.FromSlash(k)))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// DeletePrefix removes every object whose key starts with prefix
func (a *LocalConn) DeletePrefix(bucket string, prefix string) error {
	keys, err := a.ListObjects(bucket, prefix)
	if err != nil {
		return err
	}
	return a.DeleteObjects(bucket, keys)
}

// Upload just copies the file from path to TempDir/bucket/key
func (a *LocalConn) Upload(bucket string, key string, path string) error {
	fin, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fin.Close()

	d := filepath.Join(a.TempDir, bucket, filepath.Dir(filepath.FromSlash(key)))
	err = os.MkdirAll(d, 0700)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("Error creating temporary directory: %v", err)
	}
	f, err := os.Create(filepath.Join(a.TempDir, bucket, filepath.FromSlash(key)))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, fin)
	return err
}

func (a *LocalConn) GetLogger() *log.Logger {
	return a.Logger
}

// Log records an item in the with the Logger. Arguments are handled
// as with fmt.Println.
func (a *LocalConn) Log(v ...interface{}) {
	a.Logger.Println(v...)
}

// queueMessages returns the messages in a queue
func (a *LocalConn) queueMessages(url string) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(a.TempDir, url))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(b)), nil
}

// LogQueue prints the body of all messages in a queue to the log
func (a *LocalConn) LogQueue(url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs, err := a.queueMessages(url)
	for _, m := range msgs {
		a.Logger.Println(m)
	}
	return err
}

// LogAndPurgeQueue prints the body of all messages in a queue to the
// log, and then empties it
func (a *LocalConn) LogAndPurgeQueue(url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs, err := a.queueMessages(url)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		a.Logger.Println(m)
	}
	return os.WriteFile(filepath.Join(a.TempDir, url), nil, 0644)
}

// RemovePrefixesFromQueue removes any messages in a queue whose body
// starts with the specified prefix
func (a *LocalConn) RemovePrefixesFromQueue(url string, prefix string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs, err := a.queueMessages(url)
	if err != nil {
		return err
	}
	var keep strings.Builder
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			a.Logger.Printf("Removing %s from queue\n", m)
			continue
		}
		keep.WriteString(m + "\n")
	}
	return os.WriteFile(filepath.Join(a.TempDir, url), []byte(keep.String()), 0644)
}
