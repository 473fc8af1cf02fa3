package tracker_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/jackc/pglogrepl"
	"github.com/lawrencejones/pgshift/pkg/record"
	"github.com/lawrencejones/pgshift/pkg/tracker"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var lsn = func(v uint64) record.Position { return record.LSNPosition{LSN: pglogrepl.LSN(v)} }

// verifyTracker checks the behaviour every tracker must share
func verifyTracker(build func() tracker.Tracker) {
	var (
		ctx = context.Background()
		t   tracker.Tracker
	)

	BeforeEach(func() {
		t = build()
	})

	It("loads nothing before the first save", func() {
		position, err := t.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(position).To(BeNil())
	})

	It("rejects positions that move backwards", func() {
		Expect(t.Save(ctx, lsn(10))).To(Succeed())
		Expect(t.Save(ctx, lsn(10))).To(Succeed(), "saving the same position again is harmless")
		Expect(t.Save(ctx, lsn(5))).To(MatchError(tracker.ErrRegression))

		position, err := t.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(position).To(Equal(lsn(10)))
	})

	It("accepts the finished position after anything else", func() {
		Expect(t.Save(ctx, record.PrimaryKeyPosition{Begin: []interface{}{int64(10)}, End: []interface{}{int64(20)}})).To(Succeed())
		Expect(t.Save(ctx, record.FinishedPosition{})).To(Succeed())

		position, err := t.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(position).To(Equal(record.FinishedPosition{}))
	})
}

var _ = Describe("Memory", func() {
	verifyTracker(func() tracker.Tracker { return tracker.NewMemory() })

	It("records history", func() {
		memory := tracker.NewMemory()
		Expect(memory.Save(context.Background(), lsn(1))).To(Succeed())
		Expect(memory.Save(context.Background(), lsn(2))).To(Succeed())

		Expect(memory.History()).To(Equal([]record.Position{lsn(1), lsn(2)}))
	})
})

var _ = Describe("File", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = ioutil.TempDir("", "pgshift-tracker-")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	verifyTracker(func() tracker.Tracker { return tracker.NewFile(filepath.Join(dir, "job", "example.json")) })

	It("survives being reopened", func() {
		path := filepath.Join(dir, "example.json")
		position := record.PrimaryKeyPosition{Begin: []interface{}{"a:b", int64(1)}, End: []interface{}{"z"}}
		Expect(tracker.NewFile(path).Save(context.Background(), position)).To(Succeed())

		loaded, err := tracker.NewFile(path).Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(position))
	})

	It("remembers the loaded position when checking for regressions", func() {
		path := filepath.Join(dir, "example.json")
		Expect(tracker.NewFile(path).Save(context.Background(), lsn(10))).To(Succeed())

		reopened := tracker.NewFile(path)
		_, err := reopened.Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(reopened.Save(context.Background(), lsn(5))).To(MatchError(tracker.ErrRegression))
	})
})

var _ = Describe("New", func() {
	It("requires a connection for postgres", func() {
		_, err := tracker.New(tracker.Options{Backend: "postgres"}, nil, "job", "example")
		Expect(err).To(MatchError(ContainSubstring("requires a connection")))
	})

	It("places files by job and table", func() {
		t, err := tracker.New(tracker.Options{Backend: "file", Directory: "positions"}, nil, "job", "example")
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(BeAssignableToTypeOf(&tracker.File{}))
	})
})
