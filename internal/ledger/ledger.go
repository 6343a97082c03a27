package ledger

// #region ledger-struct
// Ledger is the bounded, time-ordered history of evaluation outcomes
// together with the rate counters derived from it. Not safe for concurrent
// use; the controller serializes access.
type Ledger struct {
	config  Config
	records []EvaluationRecord
	metrics PerformanceMetrics

	// scoreSum is the sum of retained quality scores.
	scoreSum float64
	appended int
}

// New creates an empty ledger. A non-positive capacity falls back to the default.
func New(config Config) *Ledger {
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.TopGrade == "" {
		config.TopGrade = DefaultConfig().TopGrade
	}
	return &Ledger{
		config:  config,
		records: make([]EvaluationRecord, 0, config.Capacity),
	}
}

// #endregion ledger-struct

// #region append
// Append pushes a record, evicts the oldest when over capacity and updates
// the counters, running average and improvement trend. An evicted record's
// contribution is taken back out, so the metrics always describe the
// retained records.
func (l *Ledger) Append(rec EvaluationRecord) {
	m := &l.metrics
	if len(l.records) >= l.config.Capacity {
		old := l.records[0]
		copy(l.records, l.records[1:])
		l.records = l.records[:len(l.records)-1]
		m.TotalCount--
		if old.Grade == l.config.TopGrade {
			m.PassCount--
		}
		l.scoreSum -= old.QualityScore
	}
	l.records = append(l.records, rec)
	l.appended++

	m.TotalCount++
	if rec.Grade == l.config.TopGrade {
		m.PassCount++
	}
	l.scoreSum += rec.QualityScore
	m.RunningAverageScore = l.scoreSum / float64(m.TotalCount)
	m.ImprovementTrend = l.improvementTrend()
}

// #endregion append

// #region accessors
// Len returns the number of retained records.
func (l *Ledger) Len() int { return len(l.records) }

// Capacity returns the configured capacity.
func (l *Ledger) Capacity() int { return l.config.Capacity }

// TopGrade returns the grade counted as a pass.
func (l *Ledger) TopGrade() string { return l.config.TopGrade }

// HasData reports whether any record has been counted. Callers treat a
// ledger without data as "do not act".
func (l *Ledger) HasData() bool { return l.metrics.TotalCount > 0 }

// Appended returns how many records were ever appended, including evicted
// ones and those restored.
func (l *Ledger) Appended() int { return l.appended }

// Rate returns the pass rate over the retained records, 0 without data.
func (l *Ledger) Rate() float64 { return l.metrics.PassRate() }

// Metrics returns a copy of the tracked metrics.
func (l *Ledger) Metrics() PerformanceMetrics { return l.metrics }

// Recent returns copies of the last n records (all of them when n exceeds Len).
func (l *Ledger) Recent(n int) []EvaluationRecord {
	if n > len(l.records) {
		n = len(l.records)
	}
	if n <= 0 {
		return nil
	}
	tail := l.records[len(l.records)-n:]
	out := make([]EvaluationRecord, len(tail))
	for i, rec := range tail {
		out[i] = cloneRecord(rec)
	}
	return out
}

// Scores returns the quality scores of the last n records, oldest first.
func (l *Ledger) Scores(n int) []float64 {
	if n > len(l.records) {
		n = len(l.records)
	}
	if n <= 0 {
		return nil
	}
	tail := l.records[len(l.records)-n:]
	scores := make([]float64, len(tail))
	for i, rec := range tail {
		scores[i] = rec.QualityScore
	}
	return scores
}

// LocalRate returns the pass rate over the last n records and how many
// records it covered. Returns (0, 0) on an empty ledger.
func (l *Ledger) LocalRate(n int) (float64, int) {
	if n > len(l.records) {
		n = len(l.records)
	}
	if n <= 0 {
		return 0, 0
	}
	passed := 0
	for _, rec := range l.records[len(l.records)-n:] {
		if rec.Grade == l.config.TopGrade {
			passed++
		}
	}
	return float64(passed) / float64(n), n
}

// #endregion accessors

// #region restore
// Restore replaces the ledger contents with persisted records and derives
// the metrics from them. Only the newest Capacity records are kept.
func (l *Ledger) Restore(records []EvaluationRecord) {
	if len(records) > l.config.Capacity {
		records = records[len(records)-l.config.Capacity:]
	}
	l.records = l.records[:0]
	for _, rec := range records {
		l.records = append(l.records, cloneRecord(rec))
	}
	l.metrics = l.Recompute()
	l.scoreSum = l.metrics.RunningAverageScore * float64(l.metrics.TotalCount)
	l.appended = len(l.records)
}

// Recompute derives metrics from the retained records alone. The
// incremental metrics always agree with it.
func (l *Ledger) Recompute() PerformanceMetrics {
	var m PerformanceMetrics
	if len(l.records) == 0 {
		return m
	}
	var sum float64
	for _, rec := range l.records {
		m.TotalCount++
		if rec.Grade == l.config.TopGrade {
			m.PassCount++
		}
		sum += rec.QualityScore
	}
	m.RunningAverageScore = sum / float64(m.TotalCount)
	m.ImprovementTrend = l.improvementTrend()
	return m
}

// #endregion restore

// #region helpers
// improvementTrend compares the mean score of the last 5 records with the
// 5 before them. Zero until 10 records are retained.
func (l *Ledger) improvementTrend() float64 {
	n := len(l.records)
	if n < 10 {
		return 0
	}
	var recent, earlier float64
	for _, rec := range l.records[n-5:] {
		recent += rec.QualityScore
	}
	for _, rec := range l.records[n-10 : n-5] {
		earlier += rec.QualityScore
	}
	return recent/5 - earlier/5
}

func cloneRecord(rec EvaluationRecord) EvaluationRecord {
	rec.QualityFactors = cloneMap(rec.QualityFactors)
	rec.Thresholds = cloneMap(rec.Thresholds)
	return rec
}

func cloneMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// #endregion helpers
