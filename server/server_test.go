package server

import (
	"bytes"
	"io"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServerIntegration drives a full session with a third-party client.
func TestServerIntegration(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	testContent := "Hello, FTP World!"
	ts.writeFile(t, "test.txt", testContent)

	c := ts.dialFTP(t)

	t.Run("PWD", func(t *testing.T) {
		pwd, err := c.CurrentDir()
		require.NoError(t, err)
		assert.Equal(t, "/", pwd)
	})

	t.Run("LIST", func(t *testing.T) {
		entries, err := c.List("/")
		require.NoError(t, err)
		var found *ftp.Entry
		for _, e := range entries {
			if e.Name == "test.txt" {
				found = e
			}
		}
		require.NotNil(t, found, "test.txt not listed")
		assert.Equal(t, uint64(len(testContent)), found.Size)
		assert.Equal(t, ftp.EntryTypeFile, found.Type)
	})

	t.Run("NLST", func(t *testing.T) {
		names, err := c.NameList("/")
		require.NoError(t, err)
		assert.Contains(t, names, "test.txt")
	})

	t.Run("RETR", func(t *testing.T) {
		r, err := c.Retr("test.txt")
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, testContent, string(data))
	})

	t.Run("RETR with REST", func(t *testing.T) {
		r, err := c.RetrFrom("test.txt", 7)
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "FTP World!", string(data))
	})

	t.Run("STOR and APPE", func(t *testing.T) {
		require.NoError(t, c.Stor("upload.txt", strings.NewReader("Upload")))
		require.NoError(t, c.Append("upload.txt", strings.NewReader(" success")))
		assert.Equal(t, "Upload success", ts.readFile(t, "upload.txt"))
	})

	t.Run("STOR with REST", func(t *testing.T) {
		require.NoError(t, c.Stor("resume.bin", strings.NewReader("0123456789")))
		require.NoError(t, c.StorFrom("resume.bin", strings.NewReader("abc"), 4))
		assert.Equal(t, "0123abc789", ts.readFile(t, "resume.bin"))
	})

	t.Run("SIZE and MDTM", func(t *testing.T) {
		size, err := c.FileSize("test.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(len(testContent)), size)

		mtime, err := c.GetTime("test.txt")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), mtime, time.Hour)
	})

	t.Run("Directories", func(t *testing.T) {
		require.NoError(t, c.MakeDir("sub"))
		require.NoError(t, c.ChangeDir("sub"))
		pwd, err := c.CurrentDir()
		require.NoError(t, err)
		assert.Equal(t, "/sub", pwd)

		require.NoError(t, c.Stor("inner.txt", strings.NewReader("x")))
		require.NoError(t, c.ChangeDirToParent())
		assert.Equal(t, "x", ts.readFile(t, path.Join("sub", "inner.txt")))

		require.Error(t, c.RemoveDir("sub"), "directory is not empty")
		require.NoError(t, c.Delete("sub/inner.txt"))
		require.NoError(t, c.RemoveDir("sub"))
	})

	t.Run("Rename", func(t *testing.T) {
		require.NoError(t, c.Rename("upload.txt", "moved.txt"))
		assert.Equal(t, "Upload success", ts.readFile(t, "moved.txt"))
		_, err := c.FileSize("upload.txt")
		assert.Error(t, err)
	})

	t.Run("Large binary", func(t *testing.T) {
		payload := bytes.Repeat([]byte{0, 1, 2, '\r', '\n', 255}, 100_000)
		require.NoError(t, c.Stor("big.bin", bytes.NewReader(payload)))
		r, err := c.Retr("big.bin")
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.True(t, bytes.Equal(payload, data))
	})

	t.Run("NOOP", func(t *testing.T) {
		assert.NoError(t, c.NoOp())
	})
}

func TestAnonymousIsReadOnly(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "pub.txt", "public")

	c := ts.dialRaw(t)
	c.cmd(331, "USER anonymous")
	c.cmd(230, "PASS guest@example.com")
	c.cmd(213, "SIZE pub.txt")
	c.cmd(550, "DELE pub.txt")
	c.cmd(550, "MKD newdir")

	c.openData()
	c.cmd(550, "STOR new.txt")
	// The refused transfer consumed the data connection.
	c.cmd(425, "STOR new.txt")
}

func TestReadOnlyServer(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithReadOnly(true))
	ts.writeFile(t, "f.txt", "x")

	c := ts.dialRawLoggedIn(t)
	c.cmd(550, "DELE f.txt")
	c.cmd(550, "RNFR f.txt")
	c.cmd(213, "SIZE f.txt")
}

func TestASCIIMode(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "unix.txt", "one\ntwo\n")

	c := ts.dialRawLoggedIn(t)
	c.cmd(200, "TYPE A")
	c.cmd(550, "SIZE unix.txt")
	c.cmd(501, "REST 3")

	data := c.openData()
	c.cmd(150, "RETR unix.txt")
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	c.expect(226)
	assert.Equal(t, "one\r\ntwo\r\n", string(got))

	data = c.openData()
	c.cmd(150, "STOR dos.txt")
	_, err = data.Write([]byte("a\r\nb\r\n"))
	require.NoError(t, err)
	require.NoError(t, data.Close())
	c.expect(226)
	assert.Equal(t, "a\nb\n", ts.readFile(t, "dos.txt"))

	c.cmd(200, "TYPE I")
	c.cmd(213, "SIZE unix.txt")
}

func TestMLSTAndFeatures(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ts.writeFile(t, "doc.txt", "12345")

	c := ts.dialRaw(t)
	feat := c.cmd(211, "FEAT")
	for _, f := range []string{"EPSV", "MLST", "REST STREAM", "SIZE", "UTF8", "MFMT"} {
		assert.Contains(t, feat, f)
	}
	assert.NotContains(t, feat, "AUTH TLS", "TLS is not configured")
	c.cmd(200, "OPTS UTF8 ON")
	c.cmd(215, "SYST")
	c.cmd(530, "MLST doc.txt")

	c.cmd(331, "USER "+testUser)
	c.cmd(230, "PASS "+testPass)
	msg := c.cmd(250, "MLST doc.txt")
	assert.Contains(t, msg, "type=file;")
	assert.Contains(t, msg, "size=5;")
	assert.Contains(t, msg, "doc.txt")

	c.cmd(213, "MFMT 20200102030405 doc.txt")
	assert.Equal(t, "20200102030405", c.cmd(213, "MDTM doc.txt"))
}

func TestHelpAndStat(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithDisableCommands("SITE"))

	c := ts.dialRaw(t)
	help := c.cmd(214, "HELP")
	assert.Contains(t, help, "RETR")
	assert.NotContains(t, help, "SITE")
	c.cmd(214, "HELP RETR")
	c.cmd(501, "HELP BOGUS")

	c.cmd(331, "USER "+testUser)
	c.cmd(230, "PASS "+testPass)
	stat := c.cmd(211, "STAT")
	assert.Contains(t, stat, testUser)
	c.cmd(502, "SITE CHMOD 644 x")
}
