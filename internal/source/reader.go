package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

// maxHeadSize caps how much of the first line is kept to recognise a file.
const maxHeadSize = 1024

// ReadFrom appends every line of r to log until EOF or ctx is done.
// Used for piped input.
func ReadFrom(ctx context.Context, r io.Reader, log *Log) error {
	scanner := bufio.NewScanner(r)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		log.AppendLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// follower tails one path and remembers the first line it read so a file
// rewritten in place is noticed even when it grew past the old offset.
type follower struct {
	path   string
	log    *Log
	logger *zap.Logger

	tail     *tail.Tail
	head     []byte
	headFile *os.File
	headInfo os.FileInfo
}

// FollowFile appends the existing lines of path to log, then follows
// appends until ctx is done. Rotation, truncation and in-place rewrites
// restart reading from the top of the current file. A trailing partial
// line is held until its newline arrives.
func FollowFile(ctx context.Context, path string, log *Log, logger *zap.Logger) error {
	f := &follower{path: path, log: log, logger: logger}
	if err := f.start(); err != nil {
		return err
	}
	defer f.stop()

	logger.Info("following file", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-f.tail.Lines:
			if !ok {
				if err := f.tail.Wait(); err != nil {
					return fmt.Errorf("tailing %s: %w", path, err)
				}
				return nil
			}
			if line.Err != nil {
				logger.Warn("failed to read file", zap.String("path", path), zap.Error(line.Err))
				continue
			}

			if f.rewritten() {
				logger.Info("file rewritten, reading from start", zap.String("path", path))
				f.stop()
				if err := f.start(); err != nil {
					return err
				}
				continue
			}
			f.log.AppendLine(line.Text)
		}
	}
}

func (f *follower) start() error {
	t, err := tail.TailFile(f.path, tail.Config{
		Follow:        true,
		ReOpen:        true,
		Poll:          true,
		MustExist:     true,
		CompleteLines: true,
		Logger:        zap.NewStdLog(f.logger.Named("tail")),
	})
	if err != nil {
		return fmt.Errorf("tailing %s: %w", f.path, err)
	}
	f.tail = t
	return nil
}

func (f *follower) stop() {
	if f.tail != nil {
		t := f.tail
		f.tail = nil
		// Drain so a pending line send cannot hold up Stop.
		go func() {
			for range t.Lines {
			}
		}()
		if err := t.Stop(); err != nil {
			f.logger.Debug("tail stopped", zap.String("path", f.path), zap.Error(err))
		}
	}
	if f.headFile != nil {
		_ = f.headFile.Close()
	}
	f.headFile = nil
	f.headInfo = nil
	f.head = nil
}

// rewritten reports whether the file at path was rewritten in place: same
// file, but it no longer starts with the first line recorded for it. A new
// file at path (rotation) is read from the top by tail itself, so it only
// resets the record.
func (f *follower) rewritten() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		// Gone for now; tail reopens it when it comes back.
		return false
	}

	if f.headFile == nil || !os.SameFile(f.headInfo, info) {
		if f.headFile != nil {
			_ = f.headFile.Close()
		}
		file, err := os.Open(f.path)
		if err != nil {
			f.headFile = nil
			return false
		}
		f.headFile = file
		f.headInfo = info
		f.head = nil
	}

	if len(f.head) == 0 {
		f.head = readHead(f.headFile)
		return false
	}

	buf := make([]byte, len(f.head))
	n, _ := f.headFile.ReadAt(buf, 0)
	return !bytes.Equal(buf[:n], f.head)
}

// readHead returns the first line of file including its newline, capped at
// maxHeadSize bytes.
func readHead(file *os.File) []byte {
	buf := make([]byte, maxHeadSize)
	n, _ := file.ReadAt(buf, 0)
	buf = buf[:n]
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i+1]
	}
	return buf
}
