// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dma

import (
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"gvisor.dev/nvdma/pkg/errors"
	"gvisor.dev/nvdma/pkg/errors/nverr"
)

// MetricPrefix prefixes the name of every exported metric.
const MetricPrefix = "nvdma_"

// Mapping paths, as reported in the "path" label.
const (
	pathContiguous = iota
	pathDiscontiguous
	pathImported
	numPaths
)

var pathNames = [numPaths]string{"contiguous", "discontiguous", "imported"}

// failureKinds are the error kinds counted by Metrics, in "kind" label
// order. The last slot counts errors of any other kind.
var failureKinds = [...]struct {
	name string
	err  *errors.Error
}{
	{"invalid_argument", nverr.InvalidArgument},
	{"invalid_request", nverr.InvalidRequest},
	{"invalid_address", nverr.InvalidAddress},
	{"operating_system", nverr.OperatingSystem},
	{"not_supported", nverr.NotSupported},
	{"other", nil},
}

// Metrics counts mapping activity. All methods are safe for concurrent use,
// and on a nil *Metrics.
type Metrics struct {
	maps     [numPaths]atomic.Uint64
	unmaps   atomic.Uint64
	pages    atomic.Uint64
	submaps  atomic.Uint64
	live     atomic.Int64
	peerMaps atomic.Uint64
	failures [len(failureKinds)]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Maps     map[string]uint64
	Unmaps   uint64
	Pages    uint64
	Submaps  uint64
	Live     int64
	PeerMaps uint64
	Failures map[string]uint64
}

func (m *Metrics) recordMap(dm *Mapping, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.recordFailure(err)
		return
	}
	path := pathDiscontiguous
	switch {
	case dm.contiguous:
		path = pathContiguous
	case dm.importTable != nil:
		path = pathImported
	}
	m.maps[path].Add(1)
	m.pages.Add(dm.pageCount)
	m.submaps.Add(uint64(len(dm.submaps)))
	m.live.Add(1)
}

func (m *Metrics) recordUnmap() {
	if m == nil {
		return
	}
	m.unmaps.Add(1)
	m.live.Add(-1)
}

func (m *Metrics) recordPeer(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.recordFailure(err)
		return
	}
	m.peerMaps.Add(1)
}

func (m *Metrics) recordFailure(err error) {
	for i, k := range failureKinds {
		if k.err == nil || nverr.Equals(k.err, err) {
			m.failures[i].Add(1)
			return
		}
	}
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Maps:     make(map[string]uint64, numPaths),
		Failures: make(map[string]uint64, len(failureKinds)),
	}
	for i, name := range pathNames {
		s.Maps[name] = 0
		if m != nil {
			s.Maps[name] = m.maps[i].Load()
		}
	}
	for i, k := range failureKinds {
		s.Failures[k.name] = 0
		if m != nil {
			s.Failures[k.name] = m.failures[i].Load()
		}
	}
	if m != nil {
		s.Unmaps = m.unmaps.Load()
		s.Pages = m.pages.Load()
		s.Submaps = m.submaps.Load()
		s.Live = m.live.Load()
		s.PeerMaps = m.peerMaps.Load()
	}
	return s
}

// Families returns the counters as Prometheus metric families.
func (s MetricsSnapshot) Families() []*dto.MetricFamily {
	maps := counterFamily("maps_total", "Number of successful DMA mappings, by mapping path.")
	for _, name := range pathNames {
		maps.Metric = append(maps.Metric, counter(float64(s.Maps[name]), "path", name))
	}
	failures := counterFamily("failures_total", "Number of failed DMA mapping requests, by error kind.")
	for _, k := range failureKinds {
		failures.Metric = append(failures.Metric, counter(float64(s.Failures[k.name]), "kind", k.name))
	}
	unmaps := counterFamily("unmaps_total", "Number of DMA mappings torn down.")
	unmaps.Metric = append(unmaps.Metric, counter(float64(s.Unmaps)))
	pages := counterFamily("mapped_pages_total", "Number of pages mapped.")
	pages.Metric = append(pages.Metric, counter(float64(s.Pages)))
	submaps := counterFamily("submaps_total", "Number of submaps created by successful discontiguous mappings.")
	submaps.Metric = append(submaps.Metric, counter(float64(s.Submaps)))
	peer := counterFamily("peer_maps_total", "Number of successful peer MMIO mappings.")
	peer.Metric = append(peer.Metric, counter(float64(s.PeerMaps)))

	live := &dto.MetricFamily{
		Name: proto.String(MetricPrefix + "live_mappings"),
		Help: proto.String("Number of DMA mappings currently alive."),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Gauge: &dto.Gauge{Value: proto.Float64(float64(s.Live))},
		}},
	}
	return []*dto.MetricFamily{maps, unmaps, live, pages, submaps, peer, failures}
}

// WriteTo writes the counters to w in the Prometheus text exposition
// format.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, mf := range m.Snapshot().Families() {
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func counterFamily(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(MetricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
}

// counter returns a counter sample; labels are name/value pairs.
func counter(v float64, labels ...string) *dto.Metric {
	m := &dto.Metric{Counter: &dto.Counter{Value: proto.Float64(v)}}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(labels[i]),
			Value: proto.String(labels[i+1]),
		})
	}
	return m
}
