package bench

import (
	"fmt"
	"sort"
	"strings"
)

// TimeLayout is the local wallclock format of start_time and end_time.
const TimeLayout = "2006-01-02 15:04:05"

// Result is the immutable summary of one run and the only persisted artifact.
type Result struct {
	Name          string   `json:"name"`
	Language      string   `json:"language"`
	ProgramType   string   `json:"program_type"`
	DataMechanism string   `json:"data_mechanism"`
	Duration      float64  `json:"duration"`
	EventCount    int64    `json:"event_count"`
	Throughput    float64  `json:"throughput"`
	CPUUsage      float64  `json:"cpu_usage"`
	MemoryUsage   uint64   `json:"memory_usage"`
	StartTime     string   `json:"start_time"`
	EndTime       string   `json:"end_time"`
	CPUIDs        []uint32 `json:"cpu_ids"`
	Errors        []string `json:"errors"`

	// Diagnostics are shown by the printer and not persisted.
	Diagnostics Diagnostics `json:"-"`
}

// Diagnostics carry cross-checks that are not part of the result schema.
type Diagnostics struct {
	Source string
	// Committed counts the records the window owed: commits made inside it
	// plus the backlog queued when it opened.
	Committed uint64
	Drops     uint64
	Stuck     uint64
	RSSBytes  uint64
	PerCPU    map[uint32]uint64
	Latency   LatencyStats
}

// HasErrors reports whether the run recorded any error string.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

const separator = "============================================================"

func (r *Result) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n%s Results (%s)\n%s\n", separator, r.Name, r.Language, separator)
	fmt.Fprintf(&b, "Program Type:    %s\n", r.ProgramType)
	fmt.Fprintf(&b, "Data Mechanism:  %s\n", r.DataMechanism)
	fmt.Fprintf(&b, "Duration:        %.2f seconds\n", r.Duration)
	fmt.Fprintf(&b, "Event Count:     %d\n", r.EventCount)
	fmt.Fprintf(&b, "Throughput:      %.0f events/sec\n", r.Throughput)
	fmt.Fprintf(&b, "CPU Usage:       %.2f%%\n", r.CPUUsage)
	fmt.Fprintf(&b, "Memory Usage:    %d bytes\n", r.MemoryUsage)
	fmt.Fprintf(&b, "Start:           %s\n", r.StartTime)
	fmt.Fprintf(&b, "End:             %s\n", r.EndTime)
	fmt.Fprintf(&b, "CPUs Involved:   %v\n", r.CPUIDs)

	d := r.Diagnostics
	if d.Source != "" {
		fmt.Fprintf(&b, "Source:          %s\n", d.Source)
		fmt.Fprintf(&b, "Committed:       %d\n", d.Committed)
		fmt.Fprintf(&b, "Dropped:         %d\n", d.Drops)
		if d.Stuck > 0 {
			fmt.Fprintf(&b, "Stuck Slots:     %d\n", d.Stuck)
		}
		if d.RSSBytes > 0 {
			fmt.Fprintf(&b, "Process RSS:     %d bytes\n", d.RSSBytes)
		}
		if d.Latency.Samples > 0 {
			fmt.Fprintf(&b, "Inter-arrival:   min %.3fus avg %.3fus max %.3fus\n",
				d.Latency.Min, d.Latency.Average, d.Latency.Max)
		}
		if len(d.PerCPU) > 0 {
			ids := make([]uint32, 0, len(d.PerCPU))
			for id := range d.PerCPU {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			b.WriteString("Per CPU:\n")
			for _, id := range ids {
				fmt.Fprintf(&b, "  cpu%-3d %d\n", id, d.PerCPU[id])
			}
		}
	}
	b.WriteString(separator)
	b.WriteString("\n")

	if len(r.Errors) > 0 {
		b.WriteString("\nErrors encountered:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}
