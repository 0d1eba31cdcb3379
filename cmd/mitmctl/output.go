package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/standardbeagle/mitmctl/internal/client"
	"github.com/standardbeagle/mitmctl/internal/model"
)

// requestSummary is the printable form of a stored request.
type requestSummary struct {
	ID       string   `yaml:"id"`
	Method   string   `yaml:"method"`
	URL      string   `yaml:"url"`
	Status   string   `yaml:"status,omitempty"`
	ReqLen   *int     `yaml:"request_length,omitempty"`
	RspLen   *int     `yaml:"response_length,omitempty"`
	Time     string   `yaml:"time,omitempty"`
	Mangled  string   `yaml:"mangled,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
	Started  string   `yaml:"started,omitempty"`
	Websocks int      `yaml:"websocket_messages,omitempty"`
}

func summarize(c *client.Client, r *model.Request) requestSummary {
	s := requestSummary{
		ID:       c.GetRequestID(r),
		Method:   r.Method,
		URL:      r.FullURL(),
		ReqLen:   knownLength(r.ContentLength()),
		Tags:     r.Tags.List(),
		Websocks: len(r.WSMessages),
	}
	if r.Response != nil {
		s.Status = fmt.Sprintf("%d %s", r.Response.StatusCode, r.Response.Reason)
		s.RspLen = knownLength(r.Response.ContentLength())
	}
	if !r.StartTime.IsZero() {
		s.Started = r.StartTime.Format(time.RFC3339)
		if !r.EndTime.IsZero() {
			s.Time = r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String()
		}
	}
	var mangled []string
	if r.Unmangled != nil {
		mangled = append(mangled, "q")
	}
	if r.Response != nil && r.Response.Unmangled != nil {
		mangled = append(mangled, "s")
	}
	s.Mangled = strings.Join(mangled, "/")
	return s
}

// printRequests writes one table row per request.
func printRequests(w io.Writer, c *client.Client, reqs []*model.Request) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tURL\tSTATUS\tREQ\tRSP\tTIME\tMNGL\tTAGS")
	for _, r := range reqs {
		s := summarize(c, r)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Method, s.URL, s.Status, lengthCell(s.ReqLen), lengthCell(s.RspLen), s.Time, s.Mangled, strings.Join(s.Tags, ","))
	}
	return tw.Flush()
}

// knownLength drops lengths a headers-only fetch could not learn.
func knownLength(n int) *int {
	if n == model.UnknownLength {
		return nil
	}
	return &n
}

func lengthCell(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
