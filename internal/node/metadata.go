package node

import (
	"net"
	"os"
	"runtime"
	"strconv"
	"time"
)

var hostname = os.Hostname

// publishMetadata announces static facts about the host, retained.
func (n *Node) publishMetadata() {
	if !n.transport.Connected() {
		return
	}
	n.Publish(TopicAddress, 0, true, localAddress())

	if name, err := hostname(); err != nil {
		n.logger.Debug("hostname not available", "error", err)
	} else {
		n.Publish(TopicHost+"hostname", 0, true, name)
	}
	n.Publish(TopicHost+"go_version", 0, true, runtime.Version())
	n.Publish(TopicHost+"os", 0, true, runtime.GOOS)
	n.Publish(TopicHost+"arch", 0, true, runtime.GOARCH)
	n.Publish(TopicHost+"pid", 0, true, strconv.Itoa(os.Getpid()))

	if n.opts.Image == nil {
		return
	}
	d, err := n.opts.Image()
	if err != nil {
		n.logger.Debug("running image not available", "error", err)
		return
	}
	n.Publish(TopicHost+"image_md5", 0, true, d.MD5)
	n.Publish(TopicHost+"image_size", 0, true, strconv.FormatInt(d.Size, 10))
}

// publishStats reports uptime and memory use, retained.
func (n *Node) publishStats() {
	if !n.transport.Connected() {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	n.Publish(TopicMillis, 0, true, strconv.FormatInt(time.Since(n.started).Milliseconds(), 10))
	n.Publish(TopicHost+"heap_alloc", 0, true, strconv.FormatUint(mem.HeapAlloc, 10))
	n.Publish(TopicHost+"goroutines", 0, true, strconv.Itoa(runtime.NumGoroutine()))
}

// localAddress returns the first non-loopback unicast address.
func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
