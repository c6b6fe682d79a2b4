package models

import "errors"

var (
	ErrSellerNotFound = errors.New("seller not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrNoSources      = errors.New("no scraping sources")
)
