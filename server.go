// RTMP server: listener setup, per-connection accept loop, and the shared
// state every session reaches through s.server. The registry (who is
// publishing/playing what) lives in registry.go; this file owns sockets,
// IP admission control, the ping loop and the optional control-plane
// websocket connection.

package main

import (
	"crypto/tls"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tlsloader "github.com/AgustinSRG/go-tls-certificate-loader"
	"github.com/netdata/go.d.plugin/pkg/iprange"
)

type RTMPServer struct {
	*StreamRegistry

	host           string
	port           int
	listener       net.Listener
	secureListener net.Listener

	ip_count map[string]uint32
	ip_limit uint32
	ip_mutex sync.Mutex

	gopCacheLimit      int64
	gopCacheFrameLimit int
	streamIdMaxLength  int

	closed bool

	observerBus                *ObserverBus
	websocketControlConnection *ControlServerConnection
}

// newRTMPServerState builds the shared state sessions reach through
// s.server (registry, observer bus, cache limits) without binding any
// sockets. CreateRTMPServer layers the listeners and the control-plane
// connection on top.
func newRTMPServerState() *RTMPServer {
	server := &RTMPServer{
		StreamRegistry:     NewStreamRegistry(),
		ip_count:           make(map[string]uint32),
		ip_limit:           4,
		gopCacheLimit:      256 * 1024 * 1024,
		gopCacheFrameLimit: 64,
		streamIdMaxLength:  128,
		observerBus:        NewObserverBus(),
	}

	if customIPLimit := os.Getenv("MAX_IP_CONCURRENT_CONNECTIONS"); customIPLimit != "" {
		if cil, e := strconv.Atoi(customIPLimit); e == nil {
			server.ip_limit = uint32(cil)
		}
	}

	if customGopLimit := os.Getenv("GOP_CACHE_SIZE_MB"); customGopLimit != "" {
		if cgl, e := strconv.Atoi(customGopLimit); e == nil {
			server.gopCacheLimit = int64(cgl) * 1024 * 1024
		}
	}

	if customGopFrameLimit := os.Getenv("GOP_CACHE_FRAME_LIMIT"); customGopFrameLimit != "" {
		if cgfl, e := strconv.Atoi(customGopFrameLimit); e == nil && cgfl > 0 {
			server.gopCacheFrameLimit = cgfl
		}
	}

	if customMaxLen := os.Getenv("STREAM_ID_MAX_LENGTH"); customMaxLen != "" {
		if ml, e := strconv.Atoi(customMaxLen); e == nil && ml > 0 {
			server.streamIdMaxLength = ml
		}
	}

	server.host = os.Getenv("PUBLIC_HOST")
	if server.host == "" {
		server.host = os.Getenv("BIND_ADDRESS")
	}

	return server
}

func CreateRTMPServer() *RTMPServer {
	server := newRTMPServerState()

	bind_addr := os.Getenv("BIND_ADDRESS")

	tcp_port := 1935
	if customTCPPort := os.Getenv("RTMP_PORT"); customTCPPort != "" {
		if tcpp, e := strconv.Atoi(customTCPPort); e == nil {
			tcp_port = tcpp
		}
	}
	server.port = tcp_port

	lTCP, errTCP := net.Listen("tcp", bind_addr+":"+strconv.Itoa(tcp_port))
	if errTCP != nil {
		LogError(errTCP)
		return nil
	}
	server.listener = lTCP
	LogInfo("[RTMP] Listening on " + bind_addr + ":" + strconv.Itoa(tcp_port))

	ssl_port := 443
	if customSSLPort := os.Getenv("SSL_PORT"); customSSLPort != "" {
		if sslp, e := strconv.Atoi(customSSLPort); e == nil {
			ssl_port = sslp
		}
	}

	certFile := os.Getenv("SSL_CERT")
	keyFile := os.Getenv("SSL_KEY")

	if certFile != "" && keyFile != "" {
		reloadSeconds := 60
		if customReload := os.Getenv("SSL_RELOAD_SECONDS"); customReload != "" {
			if rs, e := strconv.Atoi(customReload); e == nil && rs > 0 {
				reloadSeconds = rs
			}
		}

		loader, err := tlsloader.NewTlsCertificateLoader(tlsloader.TlsCertificateLoaderConfig{
			CertificatePath:   certFile,
			KeyPath:           keyFile,
			CheckReloadPeriod: time.Duration(reloadSeconds) * time.Second,
			OnReload: func() {
				LogInfo("[SSL] Certificates reloaded")
			},
			OnError: func(err error) {
				LogError(err)
			},
		})
		if err != nil {
			LogError(err)
			server.listener.Close()
			return nil
		}

		config := &tls.Config{GetCertificate: loader.GetCertificate}
		lnSSL, errSSL := tls.Listen("tcp", bind_addr+":"+strconv.Itoa(ssl_port), config)
		if errSSL != nil {
			LogError(errSSL)
			return nil
		}
		server.secureListener = lnSSL
		LogInfo("[SSL] Listening on " + bind_addr + ":" + strconv.Itoa(ssl_port))
	}

	// In stand-alone mode (no CONTROL_BASE_URL) the field stays nil and
	// publish admission falls back to the HTTP callback path.
	controlConnection := &ControlServerConnection{}
	if controlConnection.Initialize(server) {
		server.websocketControlConnection = controlConnection
	}

	return server
}

// SetTargetLatency records a fan-out latency hint for a session and notifies
// observers. Integrators call this to influence queue depth for a playing
// session; the core only stores the hint and republishes it on the bus.
func (server *RTMPServer) SetTargetLatency(sessionID uint64, videoMs int, audioMs int) {
	s := server.GetSession(sessionID)
	if s == nil {
		return
	}
	s.SetTargetLatency(videoMs, audioMs)
	server.observerBus.TargetLatencyHint(sessionID, videoMs, audioMs)
}

func (server *RTMPServer) AddIP(ip string) bool {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ip_count[ip]
	if c >= server.ip_limit {
		return false
	}
	server.ip_count[ip] = c + 1
	return true
}

func (server *RTMPServer) isIPExempted(ipStr string) bool {
	return matchesIPWhitelist(os.Getenv("CONCURRENT_LIMIT_WHITELIST"), ipStr)
}

// getEnvWhitelist is a thin os.Getenv wrapper kept separate so call sites
// read the same way as isIPExempted above.
func getEnvWhitelist(name string) string {
	return os.Getenv(name)
}

// matchesIPWhitelist parses a comma-separated CIDR/range list (empty means
// nobody exempted, "*" means everybody) and reports whether ipStr falls in
// any of its ranges. Shared by the IP concurrency limiter and the play
// whitelist, both of which use the same env-var-driven iprange convention.
func matchesIPWhitelist(whitelist string, ipStr string) bool {
	if whitelist == "" {
		return false
	}
	if whitelist == "*" {
		return true
	}

	ip := net.ParseIP(ipStr)
	for _, part := range strings.Split(whitelist, ",") {
		rang, e := iprange.ParseRange(part)
		if e != nil {
			LogError(e)
			continue
		}
		if rang.Contains(ip) {
			return true
		}
	}
	return false
}

func (server *RTMPServer) RemoveIP(ip string) {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ip_count[ip]
	if c <= 1 {
		delete(server.ip_count, ip)
	} else {
		server.ip_count[ip] = c - 1
	}
}

func (server *RTMPServer) AcceptConnections(listener net.Listener, wg *sync.WaitGroup) {
	defer func() {
		listener.Close()
		wg.Done()
	}()
	for {
		c, err := listener.Accept()
		if err != nil {
			LogError(err)
			return
		}
		id := server.NextSessionID()
		var ip string
		if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
			ip = addr.IP.String()
		} else {
			ip = c.RemoteAddr().String()
		}

		if !server.isIPExempted(ip) {
			if !server.AddIP(ip) {
				c.Close()
				LogRequest(id, ip, "Connection rejected: Too many requests")
				continue
			}
		}

		LogDebugSession(id, ip, "Connection accepted!")
		go server.HandleConnection(id, ip, c)
	}
}

func (server *RTMPServer) SendPings(wg *sync.WaitGroup) {
	defer wg.Done()
	for !server.closed {
		time.Sleep(RTMP_PING_TIME * time.Millisecond)
		for _, s := range server.AllSessions() {
			s.SendPingRequest()
		}
	}
}

func (server *RTMPServer) Start() {
	var wg sync.WaitGroup

	if server.listener != nil {
		wg.Add(1)
		go server.AcceptConnections(server.listener, &wg)
	}

	if server.secureListener != nil {
		wg.Add(1)
		go server.AcceptConnections(server.secureListener, &wg)
	}

	wg.Add(1)
	go server.SendPings(&wg)

	wg.Wait()
}

func (server *RTMPServer) HandleConnection(id uint64, ip string, c net.Conn) {
	s := CreateRTMPSession(server, id, ip, c)
	server.AddSession(&s)

	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				LogRequest(id, ip, "Error: "+x)
			case error:
				LogRequest(id, ip, "Error: "+x.Error())
			default:
				LogRequest(id, ip, "Connection crashed!")
			}
		}
		s.OnClose()
		c.Close()
		server.RemoveSession(id)
		server.RemoveIP(ip)
		LogDebugSession(id, ip, "Connection closed!")
	}()

	s.HandleSession()
}

func (server *RTMPServer) getOutChunkSize() uint32 {
	r := os.Getenv("RTMP_CHUNK_SIZE")
	if r == "" {
		return RTMP_CHUNK_SIZE
	}

	n, e := strconv.Atoi(r)
	if e != nil || n <= RTMP_CHUNK_SIZE {
		return RTMP_CHUNK_SIZE
	}

	return uint32(n)
}
