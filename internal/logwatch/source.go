package logwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"testbed/internal/utils"
)

// Source produces the complete log of a resource so far. Fetch returns
// the lines after the first seen ones and the total line count, which
// lets sources that can only snapshot the full log behave incrementally.
type Source interface {
	Fetch(ctx context.Context, seen int) (lines []string, total int, err error)
}

// SourceFunc adapts a snapshot function to Source.
type SourceFunc func(ctx context.Context) ([]string, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, seen int) ([]string, int, error) {
	all, err := f(ctx)
	if err != nil {
		return nil, seen, err
	}
	return after(all, seen), len(all), nil
}

// FileSource reads the log a local process writes to Path. A missing
// file yields no lines.
type FileSource struct {
	Path string
}

// Fetch implements Source.
func (s FileSource) Fetch(_ context.Context, seen int) ([]string, int, error) {
	f, err := os.Open(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, seen, nil
	}
	if err != nil {
		return nil, seen, fmt.Errorf("open log file %s: %w", s.Path, err)
	}
	defer f.Close()

	all, err := readLines(f)
	if err != nil {
		return nil, seen, fmt.Errorf("read log file %s: %w", s.Path, err)
	}
	return after(all, seen), len(all), nil
}

// CommandSource snapshots the log by running a CLI command, such as
// "docker logs <id>" or "oc logs deployment/<name>".
type CommandSource struct {
	Runner  utils.Runner
	Command utils.Cmd
}

// Fetch implements Source.
func (s CommandSource) Fetch(ctx context.Context, seen int) ([]string, int, error) {
	res, err := s.Runner.Run(ctx, s.Command)
	if err != nil {
		return nil, seen, err
	}
	all := splitLines(res.Combined())
	return after(all, seen), len(all), nil
}

// PodLogsSource reads the logs of every pod matching LabelSelector.
type PodLogsSource struct {
	Client        kubernetes.Interface
	Namespace     string
	LabelSelector string
	Container     string
}

// Fetch implements Source.
func (s PodLogsSource) Fetch(ctx context.Context, seen int) ([]string, int, error) {
	pods, err := s.Client.CoreV1().Pods(s.Namespace).List(ctx, metav1.ListOptions{LabelSelector: s.LabelSelector})
	if err != nil {
		return nil, seen, fmt.Errorf("list pods %q in %s: %w", s.LabelSelector, s.Namespace, err)
	}

	var all []string
	for _, pod := range pods.Items {
		if pod.DeletionTimestamp != nil {
			continue
		}
		lines, err := s.podLogs(ctx, pod.Name)
		if err != nil {
			return nil, seen, err
		}
		all = append(all, lines...)
	}
	return after(all, seen), len(all), nil
}

func (s PodLogsSource) podLogs(ctx context.Context, pod string) ([]string, error) {
	req := s.Client.CoreV1().Pods(s.Namespace).GetLogs(pod, &corev1.PodLogOptions{Container: s.Container})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream logs of pod %s: %w", pod, err)
	}
	defer stream.Close()
	return readLines(stream)
}

// MaxLineBytes caps a single collected line. Longer lines are truncated.
const MaxLineBytes = 1024 * 1024

func readLines(r io.Reader) ([]string, error) {
	var (
		lines []string
		line  []byte
	)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk, more, err := br.ReadLine()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		if room := MaxLineBytes - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if more {
			continue
		}
		lines = append(lines, string(line))
		line = line[:0]
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// after returns the lines past seen. If the log shrank, e.g. because the
// resource was recreated, everything is treated as new.
func after(all []string, seen int) []string {
	if seen < 0 || seen > len(all) {
		return all
	}
	return all[seen:]
}
