package event

// Backend identifies one external analytics/CRM provider.
type Backend string

const (
	BackendAmplitude  Backend = "amplitude"
	BackendIntercom   Backend = "intercom"
	BackendGA4        Backend = "ga4"
	BackendMixpanel   Backend = "mixpanel"
	BackendUserDotCom Backend = "userdotcom"
)

// Backends returns every known backend in dispatch order.
func Backends() []Backend {
	return []Backend{
		BackendAmplitude,
		BackendIntercom,
		BackendUserDotCom,
		BackendMixpanel,
		BackendGA4,
	}
}

func (b Backend) Valid() bool {
	switch b {
	case BackendAmplitude, BackendIntercom, BackendGA4, BackendMixpanel, BackendUserDotCom:
		return true
	}
	return false
}

func (b Backend) String() string { return string(b) }

// Outcome is what an adapter reports back to the batch claimer for one row.
type Outcome int

const (
	// OutcomeCounted: the row was resolved and counts toward the batch quota.
	OutcomeCounted Outcome = iota
	// OutcomeContinue: the row was resolved (validation failure) without
	// counting toward the quota; the claimer keeps looping.
	OutcomeContinue
	// OutcomePause: the backend signaled a transient global condition; the
	// claimer stops the whole batch and leaves the row untouched.
	OutcomePause
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCounted:
		return "counted"
	case OutcomeContinue:
		return "continue"
	case OutcomePause:
		return "pause"
	}
	return "unknown"
}
