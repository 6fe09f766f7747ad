package grabber

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
)

// MaxBatchCapacity bounds the samples fetched in one cycle.
const MaxBatchCapacity = rplidar.MaxScanNodes

var (
	// ErrInvalidCapacity rejects a buffer size outside 1..MaxBatchCapacity.
	ErrInvalidCapacity = errors.New("grabber: invalid batch capacity")
	// ErrCapacityExceeded means a fetch reported more samples than the
	// buffer holds.
	ErrCapacityExceeded = errors.New("grabber: batch capacity exceeded")
)

// Sample is one decoded measurement.
type Sample struct {
	Angle    float64 // degrees, [0, 360)
	Distance float64 // millimetres, 0 = no return
	Quality  uint8   // 0..63
}

// SampleFromNode converts fixed-point node fields. The arithmetic is done in
// float32 so formatted output matches the scanner vendor's tools digit for
// digit.
func SampleFromNode(n rplidar.Node) Sample {
	angle := float32(n.AngleQ14) * 90 / (1 << 14)
	dist := float32(n.DistQ2) / (1 << 2)
	return Sample{
		Angle:    float64(angle),
		Distance: float64(dist),
		Quality:  n.Quality >> 2,
	}
}

// SortByAngle orders samples by ascending angle. Samples with equal angles
// keep their relative order.
func SortByAngle(samples []Sample) {
	slices.SortStableFunc(samples, func(a, b Sample) int {
		return cmp.Compare(a.Angle, b.Angle)
	})
}

// Sweep is one fetch cycle's samples in ascending angle order.
type Sweep struct {
	Seq        uint64
	CapturedAt time.Time
	Samples    []Sample
}

// Summary describes the distance distribution of a sweep's valid samples.
type Summary struct {
	Count        int
	Valid        int
	MeanDistance float64
	StdDistance  float64
	MinDistance  float64
	MaxDistance  float64
}

func (s Summary) String() string {
	return fmt.Sprintf("%d samples (%d valid), distance mean %.1f sd %.1f range [%.1f, %.1f] mm",
		s.Count, s.Valid, s.MeanDistance, s.StdDistance, s.MinDistance, s.MaxDistance)
}

// Summarize computes distance statistics over samples with a return.
func Summarize(sw Sweep) Summary {
	sum := Summary{Count: len(sw.Samples)}

	dists := make([]float64, 0, len(sw.Samples))
	for _, s := range sw.Samples {
		if s.Distance > 0 {
			dists = append(dists, s.Distance)
		}
	}
	sum.Valid = len(dists)
	if sum.Valid == 0 {
		return sum
	}

	sum.MinDistance = floats.Min(dists)
	sum.MaxDistance = floats.Max(dists)
	if sum.Valid == 1 {
		sum.MeanDistance = dists[0]
		return sum
	}
	sum.MeanDistance, sum.StdDistance = stat.MeanStdDev(dists, nil)
	return sum
}

// Buffer is the fixed-capacity landing area for one fetch.
type Buffer struct {
	nodes []rplidar.Node
	n     int
}

// NewBuffer allocates a buffer holding up to capacity nodes.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 || capacity > MaxBatchCapacity {
		return nil, fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidCapacity, capacity, MaxBatchCapacity)
	}
	return &Buffer{nodes: make([]rplidar.Node, capacity)}, nil
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.nodes) }

// Len returns the node count of the last successful fill.
func (b *Buffer) Len() int { return b.n }

// Nodes returns the nodes of the last successful fill.
func (b *Buffer) Nodes() []rplidar.Node { return b.nodes[:b.n] }

// Fill grabs one batch from dev. On error the buffer is empty.
func (b *Buffer) Fill(ctx context.Context, dev Device) error {
	b.n = 0
	n, err := dev.GrabScanData(ctx, b.nodes)
	if err != nil {
		return err
	}
	if n < 0 || n > len(b.nodes) {
		return fmt.Errorf("%w: device reported %d nodes, capacity %d", ErrCapacityExceeded, n, len(b.nodes))
	}
	b.n = n
	return nil
}

// Samples converts the filled nodes into a new, angle-ordered slice.
func (b *Buffer) Samples() []Sample {
	samples := make([]Sample, b.n)
	for i, n := range b.nodes[:b.n] {
		samples[i] = SampleFromNode(n)
	}
	SortByAngle(samples)
	return samples
}
