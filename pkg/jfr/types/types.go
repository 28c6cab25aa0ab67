// Package types declares shapes for the JDK event and constant pool types
// most consumers need. Pooled values are resolved eagerly, except for stack
// traces which events keep as references so that consumers can aggregate by
// stack trace id before resolving.
package types

import (
	"strings"

	"github.com/grafana/jfrstream/pkg/jfr/plan"
)

// Wire names of the event types declared here.
const (
	TypeExecutionSample    = "jdk.ExecutionSample"
	TypeAllocInNewTLAB     = "jdk.ObjectAllocationInNewTLAB"
	TypeAllocOutsideTLAB   = "jdk.ObjectAllocationOutsideTLAB"
	TypeJavaMonitorEnter   = "jdk.JavaMonitorEnter"
	TypeThreadPark         = "jdk.ThreadPark"
	TypeActiveSetting      = "jdk.ActiveSetting"
	TypeCPULoad            = "jdk.CPULoad"
	TypeLiveObject         = "profiler.LiveObject"
	TypeStackTrace         = "jdk.types.StackTrace"
	ThreadStateRunnable    = "STATE_RUNNABLE"
	activeSettingEventName = "event"
)

type Symbol struct {
	String string
}

func (s *Symbol) Value() string {
	if s == nil {
		return ""
	}
	return s.String
}

type Module struct {
	Name    *Symbol
	Version *Symbol `jfr:"version,optional"`
}

type Package struct {
	Name     *Symbol
	Module   *Module `jfr:"module,optional"`
	Exported bool    `jfr:"exported,optional"`
}

type Class struct {
	Name      *Symbol
	Package   *Package `jfr:"package,optional"`
	Modifiers int32
	Hidden    bool `jfr:"hidden,optional"`
}

// JavaName returns the binary name of the class with dots as separators.
func (c *Class) JavaName() string {
	if c == nil {
		return ""
	}
	return strings.ReplaceAll(c.Name.Value(), "/", ".")
}

type Method struct {
	Type       *Class
	Name       *Symbol
	Descriptor *Symbol
	Modifiers  int32
	Hidden     bool `jfr:"hidden,optional"`
}

// FrameName returns "pkg.Class.method".
func (m *Method) FrameName() string {
	if m == nil {
		return ""
	}
	if m.Type == nil {
		return m.Name.Value()
	}
	return m.Type.JavaName() + "." + m.Name.Value()
}

type FrameType struct {
	Description string
}

type StackFrame struct {
	Method        *Method
	LineNumber    int32
	BytecodeIndex int32
	Type          *FrameType
}

type StackTrace struct {
	Truncated bool
	Frames    []StackFrame
}

type ThreadState struct {
	Name string
}

type Thread struct {
	OSName       string `jfr:"osName"`
	OSThreadID   int64  `jfr:"osThreadId"`
	JavaName     string `jfr:"javaName"`
	JavaThreadID int64  `jfr:"javaThreadId"`
	Virtual      bool   `jfr:"virtual,optional"`
}

type ExecutionSample struct {
	StartTime     int64
	SampledThread *Thread
	StackTrace    plan.Ref `jfr:"stackTrace,ref"`
	State         *ThreadState
	ContextID     int64 `jfr:"contextId,optional"`
}

type ObjectAllocationInNewTLAB struct {
	StartTime      int64
	EventThread    *Thread
	StackTrace     plan.Ref `jfr:"stackTrace,ref"`
	ObjectClass    *Class
	AllocationSize int64
	TLABSize       int64 `jfr:"tlabSize"`
	ContextID      int64 `jfr:"contextId,optional"`
}

type ObjectAllocationOutsideTLAB struct {
	StartTime      int64
	EventThread    *Thread
	StackTrace     plan.Ref `jfr:"stackTrace,ref"`
	ObjectClass    *Class
	AllocationSize int64
	ContextID      int64 `jfr:"contextId,optional"`
}

type JavaMonitorEnter struct {
	StartTime    int64
	Duration     int64
	EventThread  *Thread
	StackTrace   plan.Ref `jfr:"stackTrace,ref"`
	MonitorClass *Class
	Address      int64 `jfr:"address,optional"`
	ContextID    int64 `jfr:"contextId,optional"`
}

type ThreadPark struct {
	StartTime   int64
	Duration    int64
	EventThread *Thread
	StackTrace  plan.Ref `jfr:"stackTrace,ref"`
	ParkedClass *Class
	Timeout     int64 `jfr:"timeout,optional"`
	Until       int64 `jfr:"until,optional"`
	Address     int64 `jfr:"address,optional"`
	ContextID   int64 `jfr:"contextId,optional"`
}

// LiveObject is emitted by async-profiler for objects surviving a GC.
type LiveObject struct {
	StartTime      int64
	EventThread    *Thread
	StackTrace     plan.Ref `jfr:"stackTrace,ref"`
	ObjectClass    *Class
	AllocationSize int64
	AllocationTime int64 `jfr:"allocationTime,optional"`
}

type ActiveSetting struct {
	StartTime int64
	ID        int64 `jfr:"id"`
	Name      string
	Value     string
}

// IsEventSetting reports whether the setting names the profiling event, as
// written by async-profiler.
func (s *ActiveSetting) IsEventSetting() bool { return s.Name == activeSettingEventName }

type CPULoad struct {
	StartTime    int64
	JVMUser      float32 `jfr:"jvmUser"`
	JVMSystem    float32 `jfr:"jvmSystem"`
	MachineTotal float32 `jfr:"machineTotal"`
}
