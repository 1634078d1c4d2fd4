package acceptance_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("fleetline init", func() {
	var dir string

	AfterEach(func() { cleanupProject(dir) })

	It("creates the coordinator layout", func() {
		dir = setupProject("fleetline-init-")
		for _, sub := range []string{"agents", "locks", "messages", "tasks"} {
			info, err := os.Stat(filepath.Join(dir, ".agent-coordinator", sub))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())
		}
		out, err := fleetline(dir, "version")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("fleetline"))
	})
})

var _ = Describe("task lifecycle", func() {
	var dir string

	BeforeEach(func() {
		dir = setupProject("fleetline-tasks-")
		// bootstrap coordinator state before any agent registers.
		_, err := fleetline(dir, "coordinator", "once")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() { cleanupProject(dir) })

	It("creates a pending task visible in `tasks list`", func() {
		out, err := fleetline(dir, "tasks", "create", "--title", "write docs", "--priority", "high")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("pending"))

		out, err = fleetline(dir, "tasks", "list")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("write docs"))
	})

	It("assigns a pending task to a registered idle agent on tick", func() {
		_, err := fleetline(dir, "tasks", "create", "--title", "fix bug", "--priority", "normal")
		Expect(err).NotTo(HaveOccurred())

		out, err := fleetline(dir, "agent", "register", "--id", "a1", "--name", "worker one")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("registered agent a1"))

		_, err = fleetline(dir, "coordinator", "once")
		Expect(err).NotTo(HaveOccurred())

		out, err = fleetline(dir, "status")
		Expect(err).NotTo(HaveOccurred())
		status := string(out)
		Expect(status).To(ContainSubstring("worker one"))
		Expect(status).To(ContainSubstring("working"))
	})

	It("honors dependsOn: the dependent stays pending until its dependency completes", func() {
		out, err := fleetline(dir, "tasks", "create", "--title", "base", "--priority", "normal")
		Expect(err).NotTo(HaveOccurred())
		baseID := firstField(string(out))

		_, err = fleetline(dir, "tasks", "create", "--title", "dependent", "--priority", "normal", "--depends-on", baseID)
		Expect(err).NotTo(HaveOccurred())

		_, err = fleetline(dir, "agent", "register", "--id", "a1")
		Expect(err).NotTo(HaveOccurred())

		_, err = fleetline(dir, "coordinator", "once")
		Expect(err).NotTo(HaveOccurred())

		out, err = fleetline(dir, "tasks", "pending")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("dependent"))
	})

	It("lists held locks once a file-scoped task is assigned", func() {
		_, err := fleetline(dir, "tasks", "create", "--title", "touch file", "--priority", "normal", "--files", "main.go")
		Expect(err).NotTo(HaveOccurred())
		_, err = fleetline(dir, "agent", "register", "--id", "a1")
		Expect(err).NotTo(HaveOccurred())
		_, err = fleetline(dir, "coordinator", "once")
		Expect(err).NotTo(HaveOccurred())

		out, err := fleetline(dir, "locks")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("main.go"))
	})
})

// firstField extracts the token after "created task " from `tasks create`'s
// stdout, e.g. "created task abc123 (pending)\n" -> "abc123".
func firstField(createOutput string) string {
	fields := strings.Fields(createOutput)
	for i, f := range fields {
		if f == "task" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}
