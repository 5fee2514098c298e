package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
)

// ErrClientClosed is returned by calls on a closed or broken client.
var ErrClientClosed = errors.New("ipc: client is closed")

// Client is a connection to the daemon. Calls are serialized; a Client is
// safe for concurrent use.
type Client struct {
	path string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	seq    uint64
	broken bool
}

// Dial connects to the daemon socket at path. Failures are classified as
// *DialError wrapping ErrDaemonNotRunning, ErrPermissionDenied or
// ErrConnectionRefused.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, classify(path, err)
	}
	return &Client{path: path, conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Probe checks that a daemon accepts connections on path without opening
// a session.
func Probe(path string, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return classify(path, err)
	}
	return conn.Close()
}

func classify(path string, err error) error {
	var kind error
	switch {
	case errors.Is(err, unix.ENOENT):
		kind = ErrDaemonNotRunning
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		kind = ErrPermissionDenied
	case errors.Is(err, unix.ECONNREFUSED):
		kind = ErrConnectionRefused
	default:
		return fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return &DialError{Path: path, Kind: kind, Err: err}
}

// Path returns the socket path.
func (c *Client) Path() string { return c.path }

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return nil
	}
	c.broken = true
	return c.conn.Close()
}

// Call sends one request and decodes its result into result, which may be
// nil. Operation failures are returned as *RemoteError. A transport failure
// breaks the client: later calls return ErrClientClosed.
func (c *Client) Call(ctx context.Context, op string, args, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return ErrClientClosed
	}

	req := Request{Operation: op}
	c.seq++
	req.ID = strconv.FormatUint(c.seq, 10)
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("ipc: encode %s arguments: %w", op, err)
		}
		req.Args = raw
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		c.broken = true
		_ = c.conn.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("ipc: %s: %w", op, ctx.Err())
		}
		return fmt.Errorf("ipc: %s: %w", op, err)
	}

	if resp.ID == "" {
		c.broken = true
		_ = c.conn.Close()
	}
	if resp.Error != nil {
		return &RemoteError{Operation: op, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("ipc: decode %s result: %w", op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return Response{}, err
	}

	raw, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("malformed response: %w", err)
	}
	// An error without an id rejects the connection, not one request.
	if resp.ID == "" && resp.Error != nil {
		return resp, nil
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, nil
}

// AddJob submits a new job.
func (c *Client) AddJob(ctx context.Context, spec job.Spec) (job.Spec, error) {
	var out job.Spec
	err := c.Call(ctx, OpAddJob, spec, &out)
	return out, err
}

// UpdateJob replaces a job definition.
func (c *Client) UpdateJob(ctx context.Context, spec job.Spec) (job.Spec, error) {
	var out job.Spec
	err := c.Call(ctx, OpUpdateJob, spec, &out)
	return out, err
}

// RemoveJob deletes a job.
func (c *Client) RemoveJob(ctx context.Context, id string, force, purge bool) error {
	return c.Call(ctx, OpRemoveJob, RemoveJobArgs{ID: id, Force: force, Purge: purge}, nil)
}

// GetJob fetches a job and its live state.
func (c *Client) GetJob(ctx context.Context, id string) (manager.JobInfo, error) {
	var out manager.JobInfo
	err := c.Call(ctx, OpGetJob, JobArgs{ID: id}, &out)
	return out, err
}

// ListJobs lists jobs matching filter.
func (c *Client) ListJobs(ctx context.Context, filter job.Filter) ([]manager.JobInfo, error) {
	var out []manager.JobInfo
	err := c.Call(ctx, OpListJobs, filter, &out)
	return out, err
}

// StartJob runs a job now.
func (c *Client) StartJob(ctx context.Context, id string) (job.Execution, error) {
	var out job.Execution
	err := c.Call(ctx, OpStartJob, JobArgs{ID: id}, &out)
	return out, err
}

// TriggerJob runs a job once without touching its schedule.
func (c *Client) TriggerJob(ctx context.Context, id string) (job.Execution, error) {
	var out job.Execution
	err := c.Call(ctx, OpTriggerJob, JobArgs{ID: id}, &out)
	return out, err
}

// StopJob stops the live execution of a job.
func (c *Client) StopJob(ctx context.Context, id, signal string) (job.Execution, error) {
	var out job.Execution
	err := c.Call(ctx, OpStopJob, StopJobArgs{ID: id, Signal: signal}, &out)
	return out, err
}

// Status reports the daemon state.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.Call(ctx, OpGetStatus, nil, &out)
	return out, err
}

// JobHistory returns the executions of a job, newest first.
func (c *Client) JobHistory(ctx context.Context, id string, limit int) ([]job.Execution, error) {
	var out []job.Execution
	err := c.Call(ctx, OpGetJobHistory, HistoryArgs{ID: id, Limit: limit}, &out)
	return out, err
}

// SearchExecutions returns the executions matching filter.
func (c *Client) SearchExecutions(ctx context.Context, filter job.ExecutionFilter) ([]job.Execution, error) {
	var out []job.Execution
	err := c.Call(ctx, OpSearchExecutions, filter, &out)
	return out, err
}

// JobStatistics summarizes the history of one job.
func (c *Client) JobStatistics(ctx context.Context, id string) (registry.JobStatistics, error) {
	var out registry.JobStatistics
	err := c.Call(ctx, OpGetJobStatistics, StatisticsArgs{ID: id}, &out)
	return out, err
}

// AllStatistics summarizes the whole history.
func (c *Client) AllStatistics(ctx context.Context) (registry.Statistics, error) {
	var out registry.Statistics
	err := c.Call(ctx, OpGetJobStatistics, StatisticsArgs{}, &out)
	return out, err
}

// GenerateReport renders a report in format (text when empty).
func (c *Client) GenerateReport(ctx context.Context, format string) (ReportResult, error) {
	var out ReportResult
	err := c.Call(ctx, OpGenerateReport, ReportArgs{Format: format}, &out)
	return out, err
}

// Export asks the daemon to write the history to path, which must be
// absolute.
func (c *Client) Export(ctx context.Context, path, format string) (ExportResult, error) {
	var out ExportResult
	err := c.Call(ctx, OpExport, ExportArgs{Path: path, Format: format}, &out)
	return out, err
}

// Ping checks that the daemon answers requests.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	var out PingResult
	err := c.Call(ctx, OpPing, nil, &out)
	return out, err
}
