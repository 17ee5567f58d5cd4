package workload

import "github.com/brianvoe/gofakeit/v7"

// DataSource produces the fake strings written by the operations.
type DataSource interface {
	FirstName() string
	LastName() string
	Email() string
	ProductName() string
}

// FakeDataSource is a DataSource backed by gofakeit. It is not safe for concurrent use;
// every scheduling unit owns its own.
type FakeDataSource struct {
	faker *gofakeit.Faker
}

// NewFakeDataSource creates a FakeDataSource. The same seed yields the same sequence of values.
func NewFakeDataSource(seed uint64) *FakeDataSource {
	return &FakeDataSource{faker: gofakeit.New(seed)}
}

// FirstName implements DataSource.
func (f *FakeDataSource) FirstName() string { return f.faker.FirstName() }

// LastName implements DataSource.
func (f *FakeDataSource) LastName() string { return f.faker.LastName() }

// Email implements DataSource.
func (f *FakeDataSource) Email() string { return f.faker.Email() }

// ProductName implements DataSource.
func (f *FakeDataSource) ProductName() string { return f.faker.ProductName() }
