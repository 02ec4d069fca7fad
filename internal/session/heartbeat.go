package session

// markAlive records a sign of life from the backend and rearms the
// heartbeat watchdog.
func (s *Session) markAlive() {
	if s.destroyed {
		return
	}
	s.lastSeen = s.sched.Now()
	s.setConnection(Connected)
	s.armHeartbeat()
}

func (s *Session) armHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.heartbeat = s.sched.After(s.heartbeatTimeout, s.heartbeatExpired)
}

func (s *Session) stopHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

func (s *Session) heartbeatExpired() {
	s.heartbeat = nil
	if s.destroyed {
		return
	}
	s.logger.Warn("No heartbeat from backend", "timeout", s.heartbeatTimeout, "last_seen", s.lastSeen)
	s.setConnection(Disconnected)
	s.client.Transport().TryReconnect()
}

func (s *Session) setConnection(c ConnectionState) {
	if s.connection == c {
		return
	}
	s.logger.Info("Connection state changed", "from", s.connection, "to", c)
	s.connection = c
	s.view.SetConnectionState(c)
	switch c {
	case Disconnected:
		s.view.ShowStatusMessage(KeyConnectionLost)
	case Connected:
		s.view.HideStatusMessage()
	}
}
