package acp

import "sort"

// Op is a canonical operation. Every accepted method name maps onto one.
type Op int

const (
	OpInitialize Op = iota + 1
	OpCreateSession
	OpSendTurn
	OpCancelTurn
	OpListSessions
)

func (o Op) String() string {
	switch o {
	case OpInitialize:
		return "initialize"
	case OpCreateSession:
		return "create-session"
	case OpSendTurn:
		return "send-turn"
	case OpCancelTurn:
		return "cancel-turn"
	case OpListSessions:
		return "list-sessions"
	default:
		return "unknown"
	}
}

// Delivery selects how a turn's output reaches the client.
type Delivery int

const (
	// DeliverySync withholds the response until the turn ends and streams
	// session/update notifications meanwhile.
	DeliverySync Delivery = iota
	// DeliveryAsync responds at once and reports everything through
	// agent/progress notifications.
	DeliveryAsync
)

// Method is the resolved meaning of a wire method name.
type Method struct {
	Name     string
	Op       Op
	Delivery Delivery
}

const (
	MethodInitialize          = "initialize"
	MethodAgentInitialize     = "agent/initialize"
	MethodSessionNew          = "session/new"
	MethodCreateThread        = "createThread"
	MethodAgentCreateThread   = "agent/createThread"
	MethodSessionPrompt       = "session/prompt"
	MethodPrompt              = "prompt"
	MethodSendMessage         = "sendMessage"
	MethodAgentSendMessage    = "agent/sendMessage"
	MethodCancel              = "cancel"
	MethodStopGeneration      = "stopGeneration"
	MethodAgentStopGeneration = "agent/stopGeneration"
	MethodListThreads         = "listThreads"
	MethodAgentListThreads    = "agent/listThreads"
)

const (
	notifySessionUpdate = "session/update"
	notifyAgentProgress = "agent/progress"
)

var methods = map[string]Method{
	MethodInitialize:          {Op: OpInitialize},
	MethodAgentInitialize:     {Op: OpInitialize},
	MethodSessionNew:          {Op: OpCreateSession},
	MethodCreateThread:        {Op: OpCreateSession},
	MethodAgentCreateThread:   {Op: OpCreateSession},
	MethodSessionPrompt:       {Op: OpSendTurn, Delivery: DeliverySync},
	MethodPrompt:              {Op: OpSendTurn, Delivery: DeliverySync},
	MethodSendMessage:         {Op: OpSendTurn, Delivery: DeliveryAsync},
	MethodAgentSendMessage:    {Op: OpSendTurn, Delivery: DeliveryAsync},
	MethodCancel:              {Op: OpCancelTurn},
	MethodStopGeneration:      {Op: OpCancelTurn},
	MethodAgentStopGeneration: {Op: OpCancelTurn},
	MethodListThreads:         {Op: OpListSessions},
	MethodAgentListThreads:    {Op: OpListSessions},
}

// Lookup resolves a method name by exact match.
func Lookup(name string) (Method, bool) {
	m, ok := methods[name]
	if !ok {
		return Method{}, false
	}
	m.Name = name
	return m, true
}

// Aliases returns every method name accepted for op.
func Aliases(op Op) []string {
	var names []string
	for name, m := range methods {
		if m.Op == op {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
