package memtable

import (
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/skiplist"
)

// Key orders memtable entries by device, then measurement, then timestamp,
// so a flush walk emits whole devices in sorted order with each series'
// samples already time-ordered.
type Key struct {
	Device      string
	Measurement string
	Timestamp   int64
}

func compareKeys(a, b *Key) int {
	if c := strings.Compare(a.Device, b.Device); c != 0 {
		return c
	}
	if c := strings.Compare(a.Measurement, b.Measurement); c != 0 {
		return c
	}
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	default:
		return 0
	}
}

// Entry is one sample. Seq is the memtable-local insertion counter; a
// tombstone hides an entry only when the entry was inserted before it.
type Entry struct {
	Value interface{}
	Seq   uint64
}

// deletionMark is an in-memory tombstone against one series.
type deletionMark struct {
	upperBound int64
	seq        uint64
}

type seriesKey struct {
	device      string
	measurement string
}

// Memtable is the in-memory buffer of one unsealed file. Writes go to the
// skiplist; deletes record marks that snapshots and the flush walk apply.
// Each memtable carries the strictly increasing version assigned by the
// storage group's version controller at creation.
type Memtable struct {
	mu        sync.RWMutex
	data      *skiplist.SkipList[*Key, *Entry]
	schemas   map[seriesKey]core.MeasurementSchema
	deletions map[string][]deletionMark
	// frozenDeletions is the tombstone set captured when the memtable moved
	// to the flushing slot; the flush walk applies these and only these.
	// Marks recorded later are covered by the modification file.
	frozenDeletions map[string][]deletionMark
	frozen          bool
	seq             uint64
	sizeBytes       int64
	version         int64
}

func NewMemtable(version int64) *Memtable {
	return &Memtable{
		data:      skiplist.NewWithComparator[*Key, *Entry](compareKeys),
		schemas:   make(map[seriesKey]core.MeasurementSchema),
		deletions: make(map[string][]deletionMark),
		version:   version,
	}
}

// Version returns the memtable's flush version.
func (m *Memtable) Version() int64 {
	return m.version
}

// Insert appends one sample. A duplicate (device, measurement, timestamp)
// overwrites in place; across files the read path resolves ties by version.
func (m *Memtable) Insert(device, measurement string, schema core.MeasurementSchema, t int64, v interface{}) error {
	if err := core.CheckValueType(schema.DataType, v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sk := seriesKey{device, measurement}
	if _, ok := m.schemas[sk]; !ok {
		m.schemas[sk] = schema
	}
	m.seq++
	key := &Key{Device: device, Measurement: measurement, Timestamp: t}
	entry := &Entry{Value: v, Seq: m.seq}
	old := m.data.Insert(key, entry)
	if old != nil {
		m.sizeBytes -= core.ValueSize(schema.DataType, old.Value().Value)
	} else {
		m.sizeBytes += int64(len(device) + len(measurement) + 8)
	}
	m.sizeBytes += core.ValueSize(schema.DataType, v)
	return nil
}

// Delete records a tombstone hiding every sample of the series at or below
// upperBound that was inserted before the delete.
func (m *Memtable) Delete(device, measurement string, upperBound int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	path := core.SeriesPath(device, measurement)
	m.deletions[path] = append(m.deletions[path], deletionMark{upperBound: upperBound, seq: m.seq})
}

// Freeze captures the tombstone set for the flush walk. Called once, when
// the memtable is swapped into the flushing slot.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return
	}
	m.frozen = true
	m.frozenDeletions = make(map[string][]deletionMark, len(m.deletions))
	for p, marks := range m.deletions {
		out := make([]deletionMark, len(marks))
		copy(out, marks)
		m.frozenDeletions[p] = out
	}
}

func isDeleted(marks []deletionMark, t int64, seq uint64) bool {
	for _, d := range marks {
		if t <= d.upperBound && seq < d.seq {
			return true
		}
	}
	return false
}

// Size returns the estimated byte size of the buffered samples.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsEmpty reports whether nothing has been inserted.
func (m *Memtable) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len() == 0
}

// SeriesData is the flush view of one series: schema plus time-ordered
// samples with frozen tombstones applied.
type SeriesData struct {
	Device      string
	Measurement string
	Schema      core.MeasurementSchema
	Points      []core.TimeValuePair
}

// Series returns every series in device/measurement order, ready for the
// flush walk. Freeze must have been called first.
func (m *Memtable) Series() []SeriesData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SeriesData
	var cur *SeriesData
	m.data.Range(func(k *Key, e *Entry) bool {
		if cur == nil || cur.Device != k.Device || cur.Measurement != k.Measurement {
			out = append(out, SeriesData{
				Device:      k.Device,
				Measurement: k.Measurement,
				Schema:      m.schemas[seriesKey{k.Device, k.Measurement}],
			})
			cur = &out[len(out)-1]
		}
		marks := m.frozenDeletions[core.SeriesPath(k.Device, k.Measurement)]
		if !isDeleted(marks, k.Timestamp, e.Seq) {
			cur.Points = append(cur.Points, core.TimeValuePair{Timestamp: k.Timestamp, Value: e.Value})
		}
		return true
	})
	return out
}

// Devices lists the devices present, sorted.
func (m *Memtable) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for sk := range m.schemas {
		seen[sk.device] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// TimeRange returns the min and max timestamps buffered for a device.
func (m *Memtable) TimeRange(device string) (minTime, maxTime int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	first := true
	m.data.Range(func(k *Key, e *Entry) bool {
		if k.Device != device {
			return k.Device < device
		}
		if first {
			minTime, maxTime, first = k.Timestamp, k.Timestamp, false
		} else {
			if k.Timestamp < minTime {
				minTime = k.Timestamp
			}
			if k.Timestamp > maxTime {
				maxTime = k.Timestamp
			}
		}
		return true
	})
	return minTime, maxTime, !first
}

// Snapshot builds a read-only view of one series with the live tombstones
// applied, for query plans over unsealed files. Returns nil when the series
// has never been written here.
func (m *Memtable) Snapshot(device, measurement string) *ReadOnlyMemChunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schema, ok := m.schemas[seriesKey{device, measurement}]
	if !ok {
		return nil
	}
	marks := m.deletions[core.SeriesPath(device, measurement)]
	var points []core.TimeValuePair
	m.data.Range(func(k *Key, e *Entry) bool {
		if k.Device != device {
			return k.Device < device
		}
		if k.Measurement != measurement {
			return k.Measurement < measurement
		}
		if !isDeleted(marks, k.Timestamp, e.Seq) {
			points = append(points, core.TimeValuePair{Timestamp: k.Timestamp, Value: e.Value})
		}
		return true
	})
	return NewReadOnlyMemChunk(device, measurement, schema, points, m.version)
}

// Release drops the buffer; the memtable must not be used afterwards.
func (m *Memtable) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = skiplist.NewWithComparator[*Key, *Entry](compareKeys)
	m.schemas = map[seriesKey]core.MeasurementSchema{}
	m.deletions = map[string][]deletionMark{}
	m.frozenDeletions = nil
	m.sizeBytes = 0
}
