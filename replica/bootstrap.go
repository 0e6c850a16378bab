package replica

// defers initialization until the session transport is connected
type SessionBootstrap struct {
	session Session

	unsubConnect func()
}

func NewSessionBootstrap(session Session) *SessionBootstrap {
	return &SessionBootstrap{
		session: session,
	}
}

// runs `initialize` now if the session is already connected, otherwise once
// the one-shot connected event fires
func (self *SessionBootstrap) WhenConnected(initialize func()) {
	if self.session.IsConnected() {
		initialize()
		return
	}
	self.unsubConnect = self.session.AddConnectCallback(initialize)
}

// deregisters local listeners. The shared record's lifetime is managed by
// the substrate's own reference counting, never torn down from here.
func (self *SessionBootstrap) Close() {
	if self.unsubConnect != nil {
		self.unsubConnect()
		self.unsubConnect = nil
	}
}
