package model

import "time"

// Annotations is the text printed around the captured photo.
type Annotations struct {
	OrderID  string
	Weather  string
	Taken    time.Time
	Headline string
}
