package jfrtest

// Wire ids of the JDK classes defined by Chunk.JDK.
const (
	JDKThread int64 = 200 + iota
	JDKThreadState
	JDKSymbol
	JDKPackage
	JDKClass
	JDKMethod
	JDKFrameType
	JDKStackFrame
	JDKStackTrace
	JDKExecutionSample
	JDKAllocInNewTLAB
	JDKAllocOutsideTLAB
	JDKMonitorEnter
	JDKThreadPark
	JDKActiveSetting
	JDKCPULoad
	JDKLiveObject
)

// JDK defines the primitives and a subset of the JDK types with the field
// layout of JDK 17 recordings.
func (c *Chunk) JDK() *Chunk {
	c.Primitives()
	declare := func(id int64, name string, fields ...Field) {
		c.Class(Class{ID: id, Name: name, SuperType: "jdk.jfr.Event", Fields: fields})
	}
	c.Class(Class{ID: JDKThread, Name: "java.lang.Thread", Fields: []Field{
		F("osName", String), F("osThreadId", Long), F("javaName", String), F("javaThreadId", Long),
	}})
	c.Class(Class{ID: JDKThreadState, Name: "jdk.types.ThreadState", Fields: []Field{F("name", String)}})
	c.Class(Class{ID: JDKSymbol, Name: "jdk.types.Symbol", Fields: []Field{F("string", String)}})
	c.Class(Class{ID: JDKPackage, Name: "jdk.types.Package", Fields: []Field{PoolF("name", JDKSymbol)}})
	c.Class(Class{ID: JDKClass, Name: "java.lang.Class", Fields: []Field{
		PoolF("name", JDKSymbol), PoolF("package", JDKPackage), F("modifiers", Int), F("hidden", Boolean),
	}})
	c.Class(Class{ID: JDKMethod, Name: "jdk.types.Method", Fields: []Field{
		PoolF("type", JDKClass), PoolF("name", JDKSymbol), PoolF("descriptor", JDKSymbol), F("modifiers", Int), F("hidden", Boolean),
	}})
	c.Class(Class{ID: JDKFrameType, Name: "jdk.types.FrameType", Fields: []Field{F("description", String)}})
	c.Class(Class{ID: JDKStackFrame, Name: "jdk.types.StackFrame", Fields: []Field{
		PoolF("method", JDKMethod), F("lineNumber", Int), F("bytecodeIndex", Int), PoolF("type", JDKFrameType),
	}})
	c.Class(Class{ID: JDKStackTrace, Name: "jdk.types.StackTrace", Fields: []Field{
		F("truncated", Boolean), ArrayF("frames", JDKStackFrame),
	}})
	declare(JDKExecutionSample, "jdk.ExecutionSample",
		F("startTime", Long), PoolF("sampledThread", JDKThread), PoolF("stackTrace", JDKStackTrace), PoolF("state", JDKThreadState))
	declare(JDKAllocInNewTLAB, "jdk.ObjectAllocationInNewTLAB",
		F("startTime", Long), PoolF("eventThread", JDKThread), PoolF("stackTrace", JDKStackTrace), PoolF("objectClass", JDKClass),
		F("allocationSize", Long), F("tlabSize", Long))
	declare(JDKAllocOutsideTLAB, "jdk.ObjectAllocationOutsideTLAB",
		F("startTime", Long), PoolF("eventThread", JDKThread), PoolF("stackTrace", JDKStackTrace), PoolF("objectClass", JDKClass),
		F("allocationSize", Long))
	declare(JDKMonitorEnter, "jdk.JavaMonitorEnter",
		F("startTime", Long), F("duration", Long), PoolF("eventThread", JDKThread), PoolF("stackTrace", JDKStackTrace),
		PoolF("monitorClass", JDKClass), PoolF("previousOwner", JDKThread), F("address", Long))
	declare(JDKThreadPark, "jdk.ThreadPark",
		F("startTime", Long), F("duration", Long), PoolF("eventThread", JDKThread), PoolF("stackTrace", JDKStackTrace),
		PoolF("parkedClass", JDKClass), F("timeout", Long), F("until", Long), F("address", Long))
	declare(JDKActiveSetting, "jdk.ActiveSetting",
		F("startTime", Long), F("id", Long), F("name", String), F("value", String))
	declare(JDKCPULoad, "jdk.CPULoad",
		F("startTime", Long), F("jvmUser", Float), F("jvmSystem", Float), F("machineTotal", Float))
	declare(JDKLiveObject, "profiler.LiveObject",
		F("startTime", Long), PoolF("eventThread", JDKThread), PoolF("stackTrace", JDKStackTrace), PoolF("objectClass", JDKClass),
		F("allocationSize", Long), F("allocationTime", Long))
	return c
}

// JDKPools builds the constant pools behind JDK stack traces. Symbols,
// packages and classes are interned by name.
type JDKPools struct {
	threads, states, symbols, packages, classes, methods, frameTypes, traces []Entry

	ids map[string]int64
}

func NewJDKPools() *JDKPools {
	return &JDKPools{ids: make(map[string]int64)}
}

func (p *JDKPools) Thread(id int64, name string, tid int64) *JDKPools {
	p.threads = append(p.threads, Entry{ID: id, Payload: P().String(name).Long(tid).String(name).Long(tid).Bytes()})
	return p
}

func (p *JDKPools) State(id int64, name string) *JDKPools {
	p.states = append(p.states, Entry{ID: id, Payload: P().String(name).Bytes()})
	return p
}

func (p *JDKPools) intern(kind string, list *[]Entry, key string, payload func() *Payload) int64 {
	k := kind + ":" + key
	if id, ok := p.ids[k]; ok {
		return id
	}
	id := int64(len(*list) + 1)
	p.ids[k] = id
	*list = append(*list, Entry{ID: id, Payload: payload().Bytes()})
	return id
}

func (p *JDKPools) symbol(s string) int64 {
	return p.intern("symbol", &p.symbols, s, func() *Payload { return P().String(s) })
}

// Class interns the class with the internal name (slash separated) name.
func (p *JDKPools) Class(name string) int64 {
	pkg := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			pkg = name[:i]
			break
		}
	}
	pkgID := p.intern("package", &p.packages, pkg, func() *Payload { return P().Ref(p.symbol(pkg)) })
	return p.intern("class", &p.classes, name, func() *Payload {
		return P().Ref(p.symbol(name)).Ref(pkgID).Int(1).Bool(false)
	})
}

// Method interns class.name and returns its id.
func (p *JDKPools) Method(class, name string) int64 {
	cls := p.Class(class)
	return p.intern("method", &p.methods, class+"."+name, func() *Payload {
		return P().Ref(cls).Ref(p.symbol(name)).Ref(p.symbol("()V")).Int(1).Bool(false)
	})
}

// Trace adds a stack trace of frames given leaf first as "pkg/Class.method".
func (p *JDKPools) Trace(id int64, frames ...string) *JDKPools {
	ft := p.intern("frameType", &p.frameTypes, "Interpreted", func() *Payload { return P().String("Interpreted") })
	pl := P().Bool(false).Array(len(frames))
	for i, f := range frames {
		class, method := f, ""
		for j := len(f) - 1; j >= 0; j-- {
			if f[j] == '.' {
				class, method = f[:j], f[j+1:]
				break
			}
		}
		pl.Ref(p.Method(class, method)).Int(int32(10 + i)).Int(0).Ref(ft)
	}
	p.traces = append(p.traces, Entry{ID: id, Payload: pl.Bytes()})
	return p
}

// Pools returns the non-empty pools.
func (p *JDKPools) Pools() []Pool {
	var res []Pool
	for _, x := range []struct {
		id      int64
		entries []Entry
	}{
		{JDKThread, p.threads},
		{JDKThreadState, p.states},
		{JDKSymbol, p.symbols},
		{JDKPackage, p.packages},
		{JDKClass, p.classes},
		{JDKMethod, p.methods},
		{JDKFrameType, p.frameTypes},
		{JDKStackTrace, p.traces},
	} {
		if len(x.entries) > 0 {
			res = append(res, Pool{TypeID: x.id, Entries: x.entries})
		}
	}
	return res
}

// ExecutionSample encodes a jdk.ExecutionSample payload.
func ExecutionSample(startTime, thread, trace, state int64) *Payload {
	return P().Long(startTime).Ref(thread).Ref(trace).Ref(state)
}

// AllocInNewTLAB encodes a jdk.ObjectAllocationInNewTLAB payload.
func AllocInNewTLAB(startTime, thread, trace, class, size, tlabSize int64) *Payload {
	return P().Long(startTime).Ref(thread).Ref(trace).Ref(class).Long(size).Long(tlabSize)
}

// AllocOutsideTLAB encodes a jdk.ObjectAllocationOutsideTLAB payload.
func AllocOutsideTLAB(startTime, thread, trace, class, size int64) *Payload {
	return P().Long(startTime).Ref(thread).Ref(trace).Ref(class).Long(size)
}

// MonitorEnter encodes a jdk.JavaMonitorEnter payload.
func MonitorEnter(startTime, duration, thread, trace, class int64) *Payload {
	return P().Long(startTime).Long(duration).Ref(thread).Ref(trace).Ref(class).Ref(0).Long(0)
}

// ThreadPark encodes a jdk.ThreadPark payload.
func ThreadPark(startTime, duration, thread, trace, class int64) *Payload {
	return P().Long(startTime).Long(duration).Ref(thread).Ref(trace).Ref(class).Long(0).Long(0).Long(0)
}

// ActiveSetting encodes a jdk.ActiveSetting payload.
func ActiveSetting(startTime, id int64, name, value string) *Payload {
	return P().Long(startTime).Long(id).String(name).String(value)
}
