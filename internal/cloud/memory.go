package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegisdr/aegis/internal/models"
)

// InstanceData is the logical database content behind one endpoint, as seen
// by the in-memory data checker.
type InstanceData struct {
	SchemaHash  string
	RowCounts   map[string]int64
	Checksums   map[string]string
	Indexes     []string
	Constraints []string
}

// Memory simulates the snapshot store, instance store, cluster control plane
// and data checker in process. It backs unit tests and the CLI's dry-run
// provider; it is not a production backend.
type Memory struct {
	mu sync.Mutex

	snapshots      map[string]*Snapshot
	instances      map[string]*Instance
	data           map[string]*InstanceData // keyed by endpoint
	snapshotData   map[string]*InstanceData // keyed by snapshot id
	globalClusters map[string]bool

	describeCounts     map[string]int
	snapshotReadyAfter int
	instanceReadyAfter int

	copyErrs           map[string]error
	deleteSnapshotErrs map[string]error
	deleteInstanceErrs map[string]error
	deleteInstanceErr  error
	restoreErr         error
	checkerErr         error

	deleteInstanceCalls map[string]int
	createClusterCalls  int
	deletedSnapshots    []string
}

// NewMemory creates an empty simulator where snapshots and instances become
// available on the first describe.
func NewMemory() *Memory {
	return &Memory{
		snapshots:           make(map[string]*Snapshot),
		instances:           make(map[string]*Instance),
		data:                make(map[string]*InstanceData),
		snapshotData:        make(map[string]*InstanceData),
		globalClusters:      make(map[string]bool),
		describeCounts:      make(map[string]int),
		copyErrs:            make(map[string]error),
		deleteSnapshotErrs:  make(map[string]error),
		deleteInstanceErrs:  make(map[string]error),
		deleteInstanceCalls: make(map[string]int),
	}
}

// AddInstance seeds an available instance and returns it.
func (m *Memory) AddInstance(id string, tags map[string]string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := &Instance{
		ID:            id,
		Status:        StatusAvailable,
		Endpoint:      endpointFor(id),
		InstanceClass: "db.r5.large",
		EngineVersion: "15.4",
		MultiAZ:       true,
		CreatedAt:     time.Now().UTC(),
		Tags:          tags,
	}
	m.instances[id] = inst
	return inst
}

// AddSnapshot seeds an available snapshot.
func (m *Memory) AddSnapshot(snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Status == "" {
		snap.Status = StatusAvailable
	}
	m.snapshots[snap.ID] = snap
}

// SetInstanceData seeds the logical content behind an instance's endpoint.
func (m *Memory) SetInstanceData(instanceID string, data *InstanceData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[endpointFor(instanceID)] = data
}

// SetSnapshotData seeds the content captured in an existing snapshot.
func (m *Memory) SetSnapshotData(snapshotID string, data *InstanceData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotData[snapshotID] = data
}

// SetSnapshotReadyAfter makes new snapshots stay in creating state for n
// describes. A negative n means snapshots never become available.
func (m *Memory) SetSnapshotReadyAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotReadyAfter = n
}

// SetInstanceReadyAfter makes restored instances stay in creating state for
// n describes. A negative n means instances never become available.
func (m *Memory) SetInstanceReadyAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instanceReadyAfter = n
}

// FailCopyToRegion makes CopySnapshot to the given region return err.
func (m *Memory) FailCopyToRegion(region string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyErrs[region] = err
}

// FailDeleteSnapshot makes DeleteSnapshot of the given snapshot return err.
func (m *Memory) FailDeleteSnapshot(snapshotID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteSnapshotErrs[snapshotID] = err
}

// FailDeleteInstance makes DeleteInstance of the given instance return err.
func (m *Memory) FailDeleteInstance(instanceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteInstanceErrs[instanceID] = err
}

// FailAllDeleteInstances makes every DeleteInstance call return err.
func (m *Memory) FailAllDeleteInstances(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteInstanceErr = err
}

// FailRestore makes RestoreFromSnapshot return err.
func (m *Memory) FailRestore(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreErr = err
}

// FailChecker makes every data checker call return err.
func (m *Memory) FailChecker(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkerErr = err
}

// DeleteInstanceCalls returns how many times DeleteInstance was called for id.
func (m *Memory) DeleteInstanceCalls(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteInstanceCalls[instanceID]
}

// DeleteInstanceCallsTotal returns the total DeleteInstance call count.
func (m *Memory) DeleteInstanceCallsTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.deleteInstanceCalls {
		total += n
	}
	return total
}

// DeletedSnapshots returns the ids passed to successful DeleteSnapshot calls.
func (m *Memory) DeletedSnapshots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletedSnapshots...)
}

// CreateClusterCalls returns how many times CreateGlobalCluster was called.
func (m *Memory) CreateClusterCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createClusterCalls
}

// CreateSnapshot implements SnapshotAPI.
func (m *Memory) CreateSnapshot(_ context.Context, instanceID, snapshotID string, tags map[string]string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, models.ErrInstanceNotFound
	}
	if _, exists := m.snapshots[snapshotID]; exists {
		return nil, models.ErrAlreadyExists
	}

	status := "creating"
	if m.snapshotReadyAfter == 0 {
		status = StatusAvailable
	}
	snap := &Snapshot{
		ID:               snapshotID,
		SourceInstanceID: instanceID,
		Status:           status,
		CreatedAt:        time.Now().UTC(),
		EngineVersion:    inst.EngineVersion,
		SizeBytes:        10 << 30,
		Encrypted:        true,
		Tags:             tags,
	}
	m.snapshots[snapshotID] = snap

	// Capture the instance content at snapshot time.
	if data, ok := m.data[inst.Endpoint]; ok {
		m.snapshotData[snapshotID] = cloneInstanceData(data)
	}
	return copySnapshot(snap), nil
}

// CopySnapshot implements SnapshotAPI.
func (m *Memory) CopySnapshot(_ context.Context, snapshotID, targetRegion string, tags map[string]string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.copyErrs[targetRegion]; ok {
		return nil, err
	}
	src, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, models.ErrSnapshotNotFound
	}

	copyID := fmt.Sprintf("%s-%s", snapshotID, targetRegion)
	snap := &Snapshot{
		ID:               copyID,
		SourceInstanceID: src.SourceInstanceID,
		Status:           StatusAvailable,
		CreatedAt:        time.Now().UTC(),
		EngineVersion:    src.EngineVersion,
		SizeBytes:        src.SizeBytes,
		Encrypted:        src.Encrypted,
		Region:           targetRegion,
		Tags:             tags,
	}
	m.snapshots[copyID] = snap
	return copySnapshot(snap), nil
}

// DeleteSnapshot implements SnapshotAPI.
func (m *Memory) DeleteSnapshot(_ context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.deleteSnapshotErrs[snapshotID]; ok {
		return err
	}
	if _, ok := m.snapshots[snapshotID]; !ok {
		return models.ErrSnapshotNotFound
	}
	delete(m.snapshots, snapshotID)
	m.deletedSnapshots = append(m.deletedSnapshots, snapshotID)
	return nil
}

// DescribeSnapshot implements SnapshotAPI.
func (m *Memory) DescribeSnapshot(_ context.Context, snapshotID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, models.ErrSnapshotNotFound
	}

	if snap.Status != StatusAvailable && m.snapshotReadyAfter >= 0 {
		m.describeCounts[snapshotID]++
		if m.describeCounts[snapshotID] >= m.snapshotReadyAfter {
			snap.Status = StatusAvailable
		}
	}
	return copySnapshot(snap), nil
}

// ListSnapshots implements SnapshotAPI.
func (m *Memory) ListSnapshots(_ context.Context, filter SnapshotFilter) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Snapshot
	for _, snap := range m.snapshots {
		if filter.SourceInstanceID != "" && snap.SourceInstanceID != filter.SourceInstanceID {
			continue
		}
		if filter.Region != "" && snap.Region != filter.Region {
			continue
		}
		out = append(out, copySnapshot(snap))
	}
	return out, nil
}

// ApplyLifecycle implements SnapshotAPI.
func (m *Memory) ApplyLifecycle(_ context.Context, snapshotID string, _, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[snapshotID]; !ok {
		return models.ErrSnapshotNotFound
	}
	return nil
}

// RestoreFromSnapshot implements InstanceAPI.
func (m *Memory) RestoreFromSnapshot(_ context.Context, spec RestoreSpec) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.restoreErr != nil {
		return nil, m.restoreErr
	}
	snap, ok := m.snapshots[spec.SnapshotID]
	if !ok {
		return nil, models.ErrSnapshotNotFound
	}
	if _, exists := m.instances[spec.TargetInstanceID]; exists {
		return nil, models.ErrAlreadyExists
	}

	status := "creating"
	endpoint := ""
	if m.instanceReadyAfter == 0 {
		status = StatusAvailable
		endpoint = endpointFor(spec.TargetInstanceID)
	}
	inst := &Instance{
		ID:            spec.TargetInstanceID,
		Status:        status,
		Endpoint:      endpoint,
		InstanceClass: spec.InstanceClass,
		EngineVersion: snap.EngineVersion,
		MultiAZ:       spec.MultiAZ,
		CreatedAt:     time.Now().UTC(),
		Tags:          spec.Tags,
	}
	m.instances[spec.TargetInstanceID] = inst

	// The restored instance serves the content captured in the snapshot.
	if data, ok := m.snapshotData[spec.SnapshotID]; ok {
		m.data[endpointFor(spec.TargetInstanceID)] = cloneInstanceData(data)
	}
	return copyInstance(inst), nil
}

// DeleteInstance implements InstanceAPI.
func (m *Memory) DeleteInstance(_ context.Context, instanceID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteInstanceCalls[instanceID]++
	if m.deleteInstanceErr != nil {
		return m.deleteInstanceErr
	}
	if err, ok := m.deleteInstanceErrs[instanceID]; ok {
		return err
	}
	if _, ok := m.instances[instanceID]; !ok {
		return models.ErrInstanceNotFound
	}
	delete(m.instances, instanceID)
	return nil
}

// DescribeInstance implements InstanceAPI.
func (m *Memory) DescribeInstance(_ context.Context, instanceID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, models.ErrInstanceNotFound
	}

	if inst.Status != StatusAvailable && m.instanceReadyAfter >= 0 {
		m.describeCounts[instanceID]++
		if m.describeCounts[instanceID] >= m.instanceReadyAfter {
			inst.Status = StatusAvailable
			inst.Endpoint = endpointFor(instanceID)
		}
	}
	return copyInstance(inst), nil
}

// ListInstances implements InstanceAPI.
func (m *Memory) ListInstances(_ context.Context, filter InstanceFilter) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Instance
	for _, inst := range m.instances {
		if filter.TagKey != "" && inst.Tags[filter.TagKey] != filter.TagValue {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	return out, nil
}

// GlobalClusterExists implements ClusterAPI.
func (m *Memory) GlobalClusterExists(_ context.Context, clusterID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalClusters[clusterID], nil
}

// CreateGlobalCluster implements ClusterAPI.
func (m *Memory) CreateGlobalCluster(_ context.Context, clusterID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createClusterCalls++
	if m.globalClusters[clusterID] {
		return models.ErrAlreadyExists
	}
	m.globalClusters[clusterID] = true
	return nil
}

// SchemaHash implements DataChecker.
func (m *Memory) SchemaHash(_ context.Context, endpoint string, _ Credentials) (string, error) {
	data, err := m.lookupData(endpoint)
	if err != nil {
		return "", err
	}
	return data.SchemaHash, nil
}

// RowCounts implements DataChecker.
func (m *Memory) RowCounts(_ context.Context, endpoint string, _ Credentials) (map[string]int64, error) {
	data, err := m.lookupData(endpoint)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data.RowCounts))
	for k, v := range data.RowCounts {
		out[k] = v
	}
	return out, nil
}

// TableChecksums implements DataChecker.
func (m *Memory) TableChecksums(_ context.Context, endpoint string, _ Credentials) (map[string]string, error) {
	data, err := m.lookupData(endpoint)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(data.Checksums))
	for k, v := range data.Checksums {
		out[k] = v
	}
	return out, nil
}

// Indexes implements DataChecker.
func (m *Memory) Indexes(_ context.Context, endpoint string, _ Credentials) ([]string, error) {
	data, err := m.lookupData(endpoint)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), data.Indexes...), nil
}

// Constraints implements DataChecker.
func (m *Memory) Constraints(_ context.Context, endpoint string, _ Credentials) ([]string, error) {
	data, err := m.lookupData(endpoint)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), data.Constraints...), nil
}

func (m *Memory) lookupData(endpoint string) (*InstanceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkerErr != nil {
		return nil, m.checkerErr
	}
	data, ok := m.data[endpoint]
	if !ok {
		return nil, models.Transient(fmt.Errorf("no database reachable at %s", endpoint))
	}
	return data, nil
}

func endpointFor(instanceID string) string {
	return fmt.Sprintf("%s.db.aegis.internal:5432", instanceID)
}

func copySnapshot(s *Snapshot) *Snapshot {
	out := *s
	out.Tags = cloneTags(s.Tags)
	return &out
}

func copyInstance(i *Instance) *Instance {
	out := *i
	out.Tags = cloneTags(i.Tags)
	return &out
}

func cloneTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneInstanceData(in *InstanceData) *InstanceData {
	out := &InstanceData{SchemaHash: in.SchemaHash}
	if in.RowCounts != nil {
		out.RowCounts = make(map[string]int64, len(in.RowCounts))
		for k, v := range in.RowCounts {
			out.RowCounts[k] = v
		}
	}
	if in.Checksums != nil {
		out.Checksums = make(map[string]string, len(in.Checksums))
		for k, v := range in.Checksums {
			out.Checksums[k] = v
		}
	}
	out.Indexes = append([]string(nil), in.Indexes...)
	out.Constraints = append([]string(nil), in.Constraints...)
	return out
}
