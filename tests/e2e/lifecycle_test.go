package e2e_test

import (
	"context"
	"os"
	"path/filepath"

	"benchfleet/internal/config"
	"benchfleet/internal/plan"
	"benchfleet/internal/sshkeys"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Benchmark Fleet Lifecycle", func() {
	var (
		ctx     context.Context
		cfg     *config.Config
		keyPair *sshkeys.KeyPair
	)

	BeforeEach(func() {
		ctx = context.Background()
		cloud = newMemCloud()

		tempDir, err := os.MkdirTemp("", "benchfleet-e2e")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, tempDir)

		cfg = &config.Config{
			Provider:          "memcloud",
			Project:           "e2e-project",
			NumVMs:            3,
			Zones:             []string{"mem-zone-a", "mem-zone-b"},
			ScratchDisks:      1,
			ScratchDiskSizeGB: 100,
			RunStage:          config.StageAll,
			TempDir:           tempDir,
			SSHUsername:       "benchfleet",
		}

		keyPair, err = sshkeys.GenerateKeyPairInMemory()
		Expect(err).NotTo(HaveOccurred())
	})

	Context("preparing a fleet", func() {
		It("provisions every machine, its networks and its SSH access", func() {
			p, err := plan.New(ctx, "e2e-prepare", cfg, keyPair)
			Expect(err).NotTo(HaveOccurred())

			Expect(p.Prepare(ctx)).To(Succeed())

			Expect(cloud.instanceCount()).To(Equal(3))
			Expect(cloud.networkCount()).To(Equal(2), "one network per zone")
			Expect(cloud.portOpen(plan.SSHPort)).To(BeTrue())

			for _, vm := range p.VMs() {
				Expect(vm.IPAddress()).NotTo(BeEmpty())
			}
		})
	})

	Context("persisting and recovering a fleet", func() {
		It("tears down a fleet through a freshly loaded snapshot", func() {
			p, err := plan.New(ctx, "e2e-recover", cfg, keyPair)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Prepare(ctx)).To(Succeed())
			Expect(p.Save()).To(Succeed())

			Expect(filepath.Join(cfg.TempDir, "e2e-recover")).To(BeAnExistingFile())

			// A separate invocation knows nothing but the snapshot.
			loaded, err := plan.Load(ctx, "e2e-recover", cfg, keyPair)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.VMs()).To(HaveLen(3))

			Expect(loaded.Delete(ctx)).To(Succeed())
			Expect(cloud.instanceCount()).To(BeZero())
			Expect(cloud.networkCount()).To(BeZero())
			Expect(cloud.portOpen(plan.SSHPort)).To(BeFalse())
		})
	})

	Context("deleting a fleet twice", func() {
		It("performs no provider work on the second delete", func() {
			p, err := plan.New(ctx, "e2e-twice", cfg, keyPair)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Prepare(ctx)).To(Succeed())

			Expect(p.Delete(ctx)).To(Succeed())
			Expect(p.Deleted()).To(BeTrue())

			// Repopulate the cloud out of band; a second delete must not
			// touch it.
			cloud.mu.Lock()
			cloud.instances["intruder"] = true
			cloud.mu.Unlock()

			Expect(p.Delete(ctx)).To(Succeed())
			Expect(cloud.instanceCount()).To(Equal(1))
		})
	})

	Context("run stages", func() {
		It("leaves the fleet running when the stage does not cover cleanup", func() {
			cfg.RunStage = config.StageRun

			p, err := plan.New(ctx, "e2e-staged", cfg, keyPair)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Prepare(ctx)).To(Succeed())

			Expect(p.Delete(ctx)).To(Succeed())
			Expect(p.Deleted()).To(BeFalse())
			Expect(cloud.instanceCount()).To(Equal(3))
		})
	})
})
