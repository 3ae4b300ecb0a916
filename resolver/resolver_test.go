package resolver_test

import (
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/cid"
	"github.com/cellhost/substrate/resolver"
)

type stubFinder struct {
	peer resolver.Peer
	ok   bool
}

func (s stubFinder) Find(name string) (resolver.Peer, bool) { return s.peer, s.ok }

type stubSpawner struct {
	path string
	err  error
}

func (s stubSpawner) Spawn(cellName string, config []byte) (string, error) { return s.path, s.err }

var _ = Describe("Resolver fallback chain", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "resolver-spec-")
		Expect(err).NotTo(HaveOccurred())
		Expect(resolver.EnsureDirs(root)).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(root)
	})

	It("resolves a local socket first when one exists", func() {
		sockPath := resolver.SocketPath(root, "calc")
		ln, err := net.Listen("unix", sockPath)
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		r := resolver.New(root)
		ep, err := r.Resolve("calc")
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.Kind).To(Equal(resolver.KindLocalSocket))
		Expect(ep.Path).To(Equal(sockPath))
	})

	It("falls back to a router descriptor's pipe when no local socket exists", func() {
		cellID := cid.CellID("relay")
		Expect(resolver.WriteDescriptor(root, cellID, resolver.Descriptor{
			PipeName:      "relay-pipe",
			TransportType: resolver.TransportTCP,
		})).To(Succeed())
		pipePath := resolver.PipePath(root, "relay-pipe")
		Expect(os.WriteFile(pipePath, nil, 0o644)).To(Succeed())

		r := resolver.New(root)
		ep, err := r.Resolve("relay")
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.Kind).To(Equal(resolver.KindPipe))
		Expect(ep.Path).To(Equal(pipePath))
	})

	It("falls back to a LAN peer when neither a local socket nor a router pipe exists", func() {
		r := resolver.New(root)
		r.Discovery = stubFinder{peer: resolver.Peer{CellName: "far", Addr: "10.0.0.5:9001", PublicKey: []byte{1, 2, 3}}, ok: true}

		ep, err := r.Resolve("far")
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.Kind).To(Equal(resolver.KindNetwork))
		Expect(ep.Addr).To(Equal("10.0.0.5:9001"))
	})

	It("asks the Hypervisor to spawn as the last resort", func() {
		r := resolver.New(root)
		r.Discovery = stubFinder{ok: false}
		r.Hv = stubSpawner{path: resolver.SocketPath(root, "calc")}

		ep, err := r.Resolve("calc")
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.Kind).To(Equal(resolver.KindLocalSocket))
	})

	It("reports ConnectionRefused when every fallback is exhausted", func() {
		r := resolver.New(root)
		r.Discovery = stubFinder{ok: false}
		_, err := r.Resolve("nobody")
		Expect(err).To(HaveOccurred())
		Expect(cerr.KindOf(err)).To(Equal(cerr.ConnectionRefused))
	})

	It("WaitSpawn observes a socket that appears after a delay", func() {
		r := resolver.New(root)
		sockPath := resolver.SocketPath(root, "late")
		go func() {
			time.Sleep(30 * time.Millisecond)
			ln, err := net.Listen("unix", sockPath)
			if err == nil {
				defer ln.Close()
				time.Sleep(200 * time.Millisecond)
			}
		}()

		ep, err := r.WaitSpawn("late", time.Now().Add(2*time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.Path).To(Equal(sockPath))
	})

	It("WaitSpawn times out if the socket never appears", func() {
		r := resolver.New(root)
		_, err := r.WaitSpawn("ghost", time.Now().Add(30*time.Millisecond))
		Expect(err).To(HaveOccurred())
	})
})
