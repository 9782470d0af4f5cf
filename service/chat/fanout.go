package chat

// fanout offers payload to every open session. Enqueue never blocks, so a
// slow or broken recipient costs the others nothing; it simply misses this
// payload.
func fanout(conns []*Session, payload []byte) (delivered, dropped int) {
	if len(payload) == 0 {
		return 0, 0
	}
	for _, c := range conns {
		if !c.IsOpen() {
			continue
		}
		if c.Enqueue(payload) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
