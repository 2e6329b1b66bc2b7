/*Package mqtt provides a local MQTT broker which stands in for the AWS IoT data endpoint

Devices connect with TLS and the certificate issued during provisioning. The broker
authorizes every connection, subscription and publication against an IoT policy
document, evaluated for the resources

	arn:aws:iot:{region}:{account}:client/{client_id}
	arn:aws:iot:{region}:{account}:topicfilter/{topic_filter}
	arn:aws:iot:{region}:{account}:topic/{topic}

With a Registry, typically the local control plane, only certificates which are ACTIVE
are accepted. A certificate which is deactivated during deprovisioning can therefore no
longer connect.

Rules

A Rule forwards every authorized message on a topic filter to a RuleAction, like the topic
rule

	SELECT * FROM 'devices/MyIoTThing/pub'

which invokes the rule handler Lambda in the cloud. Rule actions run asynchronously; Stop
waits for them.

Publishing

PublishMessageQ1 publishes a message to devices, for example on their subscribe topic.
*/
package mqtt
