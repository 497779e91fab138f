package framepipe

// ExecutorStats is a point in time snapshot of an Executor's counters.
type ExecutorStats struct {
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	Submitted  uint64 `json:"submitted"`
	Rejected   uint64 `json:"rejected"`
	Executed   uint64 `json:"executed"`
	Failed     uint64 `json:"failed"`
	Panicked   uint64 `json:"panicked"`
	Batches    uint64 `json:"batches"`
	Wakes      uint64 `json:"wakes"`
}

// PipelineStats is a point in time snapshot of a Pipeline's counters. Once the pipeline is
// closed, Fed equals Released.
type PipelineStats struct {
	ID            string            `json:"id"`
	Policy        string            `json:"policy"`
	PendingFrames int               `json:"pending_frames"`
	Fed           uint64            `json:"fed"`
	Released      uint64            `json:"released"`
	ReleasedBy    map[string]uint64 `json:"released_by"`
	Drives        uint64            `json:"drives"`
	Uploads       uint64            `json:"uploads"`
	UploadErrors  uint64            `json:"upload_errors"`
	Draws         uint64            `json:"draws"`
	DrawErrors    uint64            `json:"draw_errors"`
	Clears        uint64            `json:"clears"`
	CatchUps      uint64            `json:"catch_ups"`
	Attaches      uint64            `json:"attaches"`
	AttachErrors  uint64            `json:"attach_errors"`
	Detaches      uint64            `json:"detaches"`
	Resizes       uint64            `json:"resizes"`
	Suppressed    uint64            `json:"suppressed_warnings"`
	Executor      ExecutorStats     `json:"executor"`
}

// Stats returns a snapshot of the pipeline's counters. Safe to call from any goroutine.
func (p *Pipeline) Stats() PipelineStats {
	s := PipelineStats{
		ID:            p.id,
		Policy:        p.policy.String(),
		PendingFrames: p.frames.len(),
		Fed:           p.fed.Load(),
		ReleasedBy:    make(map[string]uint64, len(p.released)),
		Drives:        p.drives.Load(),
		Uploads:       p.uploads.Load(),
		UploadErrors:  p.uploadFailures.Load(),
		Draws:         p.draws.Load(),
		DrawErrors:    p.drawFailures.Load(),
		Clears:        p.clears.Load(),
		CatchUps:      p.catchUps.Load(),
		Attaches:      p.Lifecycle.attaches.Load(),
		AttachErrors:  p.Lifecycle.failures.Load(),
		Detaches:      p.Lifecycle.detaches.Load(),
		Resizes:       p.Lifecycle.resizes.Load(),
		Suppressed:    p.log.Suppressed(),
		Executor:      p.exec.Stats(),
	}
	for i := range p.released {
		n := p.released[i].Load()
		s.Released += n
		s.ReleasedBy[ReleaseReason(i).String()] = n
	}
	return s
}
