package slammap

// Covisibility counts, per keyframe pair, how many landmarks both keyframes
// observe. Storage is a sparse symmetric adjacency map; the dense N x N
// matrix it replaces grows quadratically with map size while the access
// pattern only ever touches a keyframe's actual neighbors.
type Covisibility struct {
	counts map[int]map[int]int
}

// NewCovisibility returns an empty covisibility structure.
func NewCovisibility() *Covisibility {
	return &Covisibility{counts: map[int]map[int]int{}}
}

// Increment adds one shared observation to the (i, j) pair. The diagonal is
// unused and ignored.
func (c *Covisibility) Increment(i, j int) {
	if i == j {
		return
	}
	c.add(i, j, 1)
	c.add(j, i, 1)
}

// Decrement removes one shared observation from the (i, j) pair, deleting
// entries that reach zero.
func (c *Covisibility) Decrement(i, j int) {
	if i == j {
		return
	}
	c.add(i, j, -1)
	c.add(j, i, -1)
}

func (c *Covisibility) add(i, j, d int) {
	row := c.counts[i]
	if row == nil {
		row = map[int]int{}
		c.counts[i] = row
	}
	row[j] += d
	if row[j] <= 0 {
		delete(row, j)
	}
}

// Count returns the number of landmarks shared by keyframes i and j.
func (c *Covisibility) Count(i, j int) int {
	return c.counts[i][j]
}

// Neighbors returns the keyframes sharing at least one landmark with i and
// their counts. The returned map is live; callers must not mutate it.
func (c *Covisibility) Neighbors(i int) map[int]int {
	return c.counts[i]
}

// RetireKeyframe drops all pairs involving a removed keyframe.
func (c *Covisibility) RetireKeyframe(i int) {
	for j := range c.counts[i] {
		delete(c.counts[j], i)
	}
	delete(c.counts, i)
}

// Similarity stores place-recognition scores between keyframe pairs. Each
// row is written once, when its keyframe is inserted, and read many times by
// loop-candidate search.
type Similarity struct {
	scores map[int]map[int]float64
}

// NewSimilarity returns an empty similarity store.
func NewSimilarity() *Similarity {
	return &Similarity{scores: map[int]map[int]float64{}}
}

// Set records the score of the (i, j) pair symmetrically.
func (s *Similarity) Set(i, j int, score float64) {
	if i == j {
		return
	}
	s.set(i, j, score)
	s.set(j, i, score)
}

func (s *Similarity) set(i, j int, score float64) {
	row := s.scores[i]
	if row == nil {
		row = map[int]float64{}
		s.scores[i] = row
	}
	row[j] = score
}

// Get returns the recorded score for (i, j), zero if never scored.
func (s *Similarity) Get(i, j int) float64 {
	return s.scores[i][j]
}
