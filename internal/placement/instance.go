package placement

// Affinity scopes a request's placement preference, following the
// instance/resource/inner distinction named in spec §3.
type Affinity struct {
	Kind  string // "instance" | "resource" | "inner"
	Value string
}

// InstanceInfo is the scheduling-view request descriptor (spec §3).
type InstanceInfo struct {
	RequestID   string
	TraceID     string
	Affinity    Affinity
	Resource    map[string]int64
	Priority    int
	Constraints map[string]string
	Labels      map[string]string
	FunctionID  string
}
