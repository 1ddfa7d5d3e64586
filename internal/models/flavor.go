package models

// Flavor is a cloud service offering.
type Flavor struct {
	ID       string
	Name     string
	CPUs     int
	MemoryMB int
}
