package transform

// Aggregate collapses rows by key. Each key keeps the attributes of its
// first row and the earliest and latest time of all its rows. Records come
// out in order of first appearance.
func Aggregate(rows []Row) []Record {
	index := make(map[string]int, len(rows))
	records := make([]Record, 0, len(rows))

	for _, r := range rows {
		i, seen := index[r.Key]
		if !seen {
			index[r.Key] = len(records)
			records = append(records, Record{
				Key:     r.Key,
				Values:  r.Values,
				TimeMin: r.Time,
				TimeMax: r.Time,
			})
			continue
		}
		rec := &records[i]
		if r.Time.Before(rec.TimeMin) {
			rec.TimeMin = r.Time
		}
		if r.Time.After(rec.TimeMax) {
			rec.TimeMax = r.Time
		}
	}
	return records
}
