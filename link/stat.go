package link

import (
	"expvar"
	"fmt"
)

// Stat counters are updated atomically but not consistently with each
// other, a reader may observe RecvTotal ahead of RecvAdmitted.
type Stat struct {
	RecvTotal    expvar.Int
	RecvAdmitted expvar.Int
	RecvDropped  expvar.Int
	SendTotal    expvar.Int
	SendError    expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"recv.total":%d,"recv.admitted":%d,"recv.dropped":%d,"send.total":%d,"send.error":%d}`,
		s.RecvTotal.Value(), s.RecvAdmitted.Value(), s.RecvDropped.Value(),
		s.SendTotal.Value(), s.SendError.Value())
}
