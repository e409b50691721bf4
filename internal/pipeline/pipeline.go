// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// pipeline is a package used by the cistem commands, which handles
// running the cisTEM programs and the queue driven processing of
// jobs, using channels heavily to coordinate work. Note that it is
// considered an "internal" package, not intended for external use,
// and no guarantee is made of the stability of any interfaces
// provided.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"rescribe.xyz/cistem"
)

const HeartbeatSeconds = 60

type Lister interface {
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	WIPStorageId() string
}

type Downloader interface {
	Download(bucket string, key string, fn string) error
	Log(v ...interface{})
	WIPStorageId() string
}

type DownloadLister interface {
	Download(bucket string, key string, fn string) error
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	WIPStorageId() string
}

type Uploader interface {
	Log(v ...interface{})
	Upload(bucket string, key string, path string) error
	WIPStorageId() string
}

type Queuer interface {
	AddToQueue(url string, msg string) error
	CheckQueue(url string, timeout int64) (cistem.Qmsg, error)
	DelFromQueue(url string, handle string) error
	Log(v ...interface{})
	QueueHeartbeat(msg cistem.Qmsg, qurl string, duration int64) (cistem.Qmsg, error)
	Refine2DQueueId() string
	ResampleQueueId() string
	UnblurQueueId() string
}

type UploadQueuer interface {
	Queuer
	Upload(bucket string, key string, path string) error
	WIPStorageId() string
}

type Pipeliner interface {
	AddToQueue(url string, msg string) error
	CheckQueue(url string, timeout int64) (cistem.Qmsg, error)
	DelFromQueue(url string, handle string) error
	Download(bucket string, key string, fn string) error
	GetLogger() *log.Logger
	Init() error
	ListObjects(bucket string, prefix string) ([]string, error)
	Log(v ...interface{})
	QueueHeartbeat(msg cistem.Qmsg, qurl string, duration int64) (cistem.Qmsg, error)
	Refine2DQueueId() string
	ResampleQueueId() string
	UnblurQueueId() string
	Upload(bucket string, key string, path string) error
	WIPStorageId() string
}

// RunFunc runs a protocol on a job directory
type RunFunc func(ctx context.Context, dir string) error

type mailSettings struct {
	server, port, user, pass, from, to string
}

func GetMailSettings() (mailSettings, error) {
	p := filepath.Join(os.Getenv("HOME"), ".config", "cistem", "mailsettings")
	b, err := os.ReadFile(p)
	if err != nil {
		return mailSettings{}, fmt.Errorf("Error reading mailsettings from %s: %v", p, err)
	}
	f := strings.Fields(string(b))
	if len(f) != 6 {
		return mailSettings{}, fmt.Errorf("Error parsing mailsettings, need %d fields, got %d", 6, len(f))
	}
	return mailSettings{f[0], f[1], f[2], f[3], f[4], f[5]}, nil
}

// download reads keys from a channel and downloads them into dir,
// keeping their path relative to the job prefix, and puts each
// successfully downloaded file name into the process channel. If an
// error occurs it is sent to the errc channel and the function
// returns early.
func download(ctx context.Context, dl chan string, process chan string, conn Downloader, prefix string, dir string, errc chan error, logger *log.Logger) {
	for key := range dl {
		select {
		case <-ctx.Done():
			for range dl {
			} // consume the rest of the receiving channel so it isn't blocked
			errc <- ctx.Err()
			close(process)
			return
		default:
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
		fn := filepath.Join(dir, filepath.FromSlash(rel))
		err := os.MkdirAll(filepath.Dir(fn), 0755)
		if err == nil {
			logger.Println("Downloading", key)
			err = conn.Download(conn.WIPStorageId(), key, fn)
		}
		if err != nil {
			for range dl {
			} // consume the rest of the receiving channel so it isn't blocked
			errc <- err
			close(process)
			return
		}
		process <- fn
	}
	close(process)
}

// up reads file names from a channel and uploads them with the
// jobname/ prefix, keeping their path relative to dir. The done
// channel is then written to to signal completion. If an error
// occurs it is sent to the errc channel and the function returns
// early.
func up(ctx context.Context, c chan string, done chan bool, conn Uploader, jobname string, dir string, errc chan error, logger *log.Logger) {
	for {
		var path string
		var ok bool
		select {
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		case path, ok = <-c:
		}
		if !ok {
			break
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		key := jobname + "/" + filepath.ToSlash(rel)
		logger.Println("Uploading", key)
		err = conn.Upload(conn.WIPStorageId(), key, path)
		if err != nil {
			for range c {
			} // consume the rest of the receiving channel so it isn't blocked
			errc <- err
			return
		}
	}

	done <- true
}

// Protocol returns a process function which waits for all of a
// job's files to be downloaded, runs the protocol on the job
// directory, and then sends every file the protocol created or
// changed to be uploaded.
func Protocol(run RunFunc) func(context.Context, chan string, chan string, chan error, *log.Logger) {
	return func(ctx context.Context, in chan string, upc chan string, errc chan error, logger *log.Logger) {
		inputs := make(map[string]time.Time)
		dir := ""
		for path := range in {
			info, err := os.Stat(path)
			if err == nil {
				inputs[path] = info.ModTime()
			}
			if dir == "" {
				dir = jobDir(path)
			}
		}
		select {
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		default:
		}
		if dir == "" {
			errc <- fmt.Errorf("No files found for job")
			return
		}

		logger.Println("Running protocol in", dir)
		err := run(ctx, dir)
		if err != nil {
			errc <- err
			return
		}

		var outputs []string
		err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			if t, ok := inputs[path]; ok && !info.ModTime().After(t) {
				return nil
			}
			outputs = append(outputs, path)
			return nil
		})
		if err != nil {
			errc <- fmt.Errorf("Error listing outputs in %s: %w", dir, err)
			return
		}
		for _, o := range outputs {
			upc <- o
		}
		close(upc)
	}
}

// jobDir finds the job directory from the path of one of its files,
// which is the closest directory containing a job spec.
func jobDir(path string) string {
	d := filepath.Dir(path)
	for {
		_, err := os.Stat(filepath.Join(d, JobSpecName))
		if err == nil {
			return d
		}
		parent := filepath.Dir(d)
		if parent == d {
			return filepath.Dir(path)
		}
		d = parent
	}
}

func heartbeat(ctx context.Context, conn Queuer, t *time.Ticker, msg cistem.Qmsg, queue string, msgc chan cistem.Qmsg, errc chan error) {
	currentmsg := msg
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		m, err := conn.QueueHeartbeat(currentmsg, queue, HeartbeatSeconds*2)
		if err != nil {
			conn.Log("Error with heartbeat", err)
			t.Stop()
			errc <- fmt.Errorf("Heartbeat failed: %w", err)
			return
		}
		if m.Id != "" {
			conn.Log("Replaced message handle as visibilitytimeout limit was reached")
			currentmsg = m
			// only the latest handle is useful, so replace any unread one
			select {
			case <-msgc:
			default:
			}
			msgc <- m
		}
	}
}

// notify emails a failure report, if mail settings are configured
func notify(conn Queuer, jobname string, fail error) {
	ms, err := GetMailSettings()
	if err != nil {
		conn.Log("Failed to get mail settings ", err)
		return
	}
	if ms.server == "" {
		return
	}
	logs, err := getLogs()
	if err != nil {
		conn.Log("Failed to get logs ", err)
		logs = ""
	}
	msg := fmt.Sprintf("To: %s\r\nFrom: %s\r\n"+
		"Subject: [cistem] Error processing job %s\r\n\r\n"+
		" Fail message: %s\r\nFull log:\r\n%s\r\n",
		ms.to, ms.from, jobname, fail, logs)
	host := fmt.Sprintf("%s:%s", ms.server, ms.port)
	auth := smtp.PlainAuth("", ms.user, ms.pass, ms.server)
	err = smtp.SendMail(host, auth, ms.from, []string{ms.to}, []byte(msg))
	if err != nil {
		conn.Log("Error sending email ", err)
	}
}

// ProcessJob processes the job named in a queue message: it keeps
// the message hidden with a heartbeat, downloads the job, runs the
// process function on it, uploads the results and finally removes
// the message from the queue. Protocol failures are not going to
// succeed on a retry, so in that case the message is also removed,
// and a notification is sent.
func ProcessJob(ctx context.Context, msg cistem.Qmsg, conn Pipeliner, process func(context.Context, chan string, chan string, chan error, *log.Logger), fromQueue string, toQueue string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dl := make(chan string)
	msgc := make(chan cistem.Qmsg, 1)
	processc := make(chan string)
	upc := make(chan string)
	done := make(chan bool, 1)
	errc := make(chan error, 4)

	jobname := strings.Fields(msg.Body + " ")[0]

	d := filepath.Join(os.TempDir(), "cistem", jobname)
	err := os.MkdirAll(d, 0755)
	if err != nil {
		return fmt.Errorf("Failed to create directory %s: %s", d, err)
	}

	t := time.NewTicker(HeartbeatSeconds * time.Second)
	go heartbeat(ctx, conn, t, msg, fromQueue, msgc, errc)

	// these functions will do their jobs when their channels have data
	go download(ctx, dl, processc, conn, jobname, d, errc, conn.GetLogger())
	go process(ctx, processc, upc, errc, conn.GetLogger())
	go up(ctx, upc, done, conn, jobname, d, errc, conn.GetLogger())

	conn.Log("Getting list of objects to download")
	objs, err := conn.ListObjects(conn.WIPStorageId(), jobname+"/")
	if err != nil {
		t.Stop()
		close(dl)
		_ = os.RemoveAll(d)
		return fmt.Errorf("Failed to get list of files for job %s: %s", jobname, err)
	}
	for _, a := range objs {
		dl <- a
	}
	close(dl)

	// wait for either the done or errc channel to be sent to
	select {
	case err = <-errc:
		t.Stop()
		cancel()
		_ = os.RemoveAll(d)
		conn.Log("Deleting message from queue due to a bad error", fromQueue)
		err2 := conn.DelFromQueue(fromQueue, latest(msg, msgc).Handle)
		if err2 != nil {
			conn.Log("Error deleting message from queue", err2)
		}
		notify(conn, jobname, err)
		return err
	case <-ctx.Done():
		t.Stop()
		_ = os.RemoveAll(d)
		return ctx.Err()
	case <-done:
	}

	if toQueue != "" {
		conn.Log("Sending", jobname, "to queue", toQueue)
		err = conn.AddToQueue(toQueue, jobname)
		if err != nil {
			t.Stop()
			_ = os.RemoveAll(d)
			return fmt.Errorf("Error adding to queue %s: %s", jobname, err)
		}
	}

	t.Stop()

	conn.Log("Deleting original message from queue", fromQueue)
	err = conn.DelFromQueue(fromQueue, latest(msg, msgc).Handle)
	if err != nil {
		_ = os.RemoveAll(d)
		return fmt.Errorf("Error deleting message from queue: %s", err)
	}

	err = os.RemoveAll(d)
	if err != nil {
		return fmt.Errorf("Failed to remove directory %s: %s", d, err)
	}

	return nil
}

// latest returns the newest message handle sent by the heartbeat,
// or msg if there is none
func latest(msg cistem.Qmsg, msgc chan cistem.Qmsg) cistem.Qmsg {
	select {
	case m := <-msgc:
		return m
	default:
		return msg
	}
}

// TODO: save the logs ourselves rather than relying on journald, by
// having conn.Log also append to a file.
func getLogs() (string, error) {
	cmd := exec.Command("journalctl", "-u", "cistempipeline", "-n", "all")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), err
}

func SaveLogs(conn Uploader, starttime int64, hostname string) error {
	logs, err := getLogs()
	if err != nil {
		return fmt.Errorf("Error getting logs, error: %v", err)
	}
	key := fmt.Sprintf("cistempipeline.log.%d.%s", starttime, hostname)
	path := filepath.Join(os.TempDir(), key)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("Error creating log file: %v", err)
	}
	defer f.Close()
	_, err = f.WriteString(logs)
	if err != nil {
		return fmt.Errorf("Error saving log file: %v", err)
	}
	_ = f.Close()
	err = conn.Upload(conn.WIPStorageId(), key, path)
	if err != nil {
		return fmt.Errorf("Error uploading log: %v", err)
	}
	conn.Log("Log saved to", key)
	return nil
}
